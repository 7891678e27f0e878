// Package engine is the producer-facing side of the pipeline. It enriches
// events with identity, timestamp and session markers, stores them in the
// queue and nudges the dispatch scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/eventpipe/internal/dispatcher"
	"github.com/nuetzliches/eventpipe/internal/payload"
	"github.com/nuetzliches/eventpipe/internal/queue"
	"github.com/nuetzliches/eventpipe/internal/telemetry"
)

const (
	DefaultSessionTimeout = 20 * time.Minute
	AppOpenEvent          = "App Open"
)

// Config holds the producer-side settings that may change on reload.
type Config struct {
	DefaultStream     string
	SessionTimeout    time.Duration
	RequireConsent    bool
	AutoTrackAppOpens bool
	AutoTrackScreens  bool
}

// Scheduler is notified after every enqueue and on explicit dispatch.
type Scheduler interface {
	Notify(pending int)
	Trigger()
}

// Runner runs one dispatch cycle synchronously.
type Runner interface {
	RunOnce(ctx context.Context) (dispatcher.CycleResult, error)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithIdentity(id Identity) Option {
	return func(e *Engine) {
		if id != nil {
			e.identity = id
		}
	}
}

type Engine struct {
	store     queue.Store
	scheduler Scheduler
	runner    Runner
	identity  Identity
	adID      AdvertisingIDProvider
	recorder  telemetry.Recorder
	logger    *slog.Logger
	now       func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	optedIn         atomic.Bool
	adEnabled       atomic.Bool
	lastInteraction atomic.Int64
	sessionStart    atomic.Bool
	appOpened       atomic.Bool
}

// New wires an engine. runner may be nil when Flush is never used.
func New(store queue.Store, sched Scheduler, runner Runner, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		scheduler: sched,
		runner:    runner,
		recorder:  telemetry.Noop{},
		logger:    slog.Default(),
		now:       time.Now,
		cfg:       normalizeConfig(cfg),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.identity == nil {
		e.identity = NewMemoryIdentity(payload.AnonymousIdentifier)
	}

	optedIn := !e.cfg.RequireConsent
	if s, ok := e.identity.(OptInStore); ok {
		if v, known := s.OptedIn(); known {
			optedIn = v
		}
	}
	e.optedIn.Store(optedIn)
	if s, ok := e.identity.(AdvertisingIDStore); ok {
		v, _ := s.AdvertisingIDEnabled()
		e.adEnabled.Store(v)
	}
	return e
}

func normalizeConfig(cfg Config) Config {
	if cfg.DefaultStream == "" {
		cfg.DefaultStream = payload.DefaultStream
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	return cfg
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Reconfigure swaps producer settings. The opt-in state is kept.
func (e *Engine) Reconfigure(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = normalizeConfig(cfg)
	e.cfgMu.Unlock()
}

// Enqueue stores p as is and notifies the scheduler. It bypasses opt-in and
// enrichment; storage errors are returned to the caller.
func (e *Engine) Enqueue(p payload.Payload) (int64, error) {
	ctx := context.Background()
	id, err := e.store.Enqueue(p)
	e.recorder.Enqueued(ctx, payload.Streamify(p.Stream, e.config().DefaultStream), err)
	if err != nil {
		e.logger.Error("enqueue_failed", slog.String("stream", p.Stream), slog.Any("err", err))
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	pending, err := e.store.PendingCount()
	if err != nil {
		// The payload is stored; the next enqueue or the interval timer picks it up.
		e.logger.Warn("pending_count_failed", slog.Any("err", err))
		return id, nil
	}
	if e.scheduler != nil {
		e.scheduler.Notify(pending)
	}
	return id, nil
}

// Track records a custom event for the current user. A zero id with a nil
// error means the event was dropped because the user has not opted in.
func (e *Engine) Track(ev payload.Event) (int64, error) {
	p := payload.FromEvent(ev, e.config().DefaultStream)
	p.Identifiers = p.Identifiers.Merge(e.identity.Current().Identifiers)
	return e.submit(p)
}

// Screen records a screen view.
func (e *Engine) Screen(ev payload.Event) (int64, error) {
	p := payload.FromEvent(ev, e.config().DefaultStream)
	p.Data = p.Data.Merge(payload.Map{payload.KeyEventType: payload.String(payload.ScreenEventType)})
	p.Identifiers = p.Identifiers.Merge(e.identity.Current().Identifiers)
	return e.submit(p)
}

// Identify merges identifiers and attributes into the current user and, when
// requested, emits an identity event.
func (e *Engine) Identify(ev payload.IdentityEvent) (int64, error) {
	e.identity.Merge(ev.Identifiers, ev.Attributes, nil)
	if !ev.SendEvent {
		return 0, nil
	}
	return e.submit(payload.FromIdentity(ev, e.config().DefaultStream))
}

// Consent merges consent state into the current user and, when requested,
// emits a consent event.
func (e *Engine) Consent(ev payload.ConsentEvent) (int64, error) {
	e.identity.Merge(ev.Identifiers, ev.Attributes, ev.Consent)
	if !ev.SendEvent {
		return 0, nil
	}
	return e.submit(payload.FromConsent(ev, e.config().DefaultStream))
}

func (e *Engine) submit(p payload.Payload) (int64, error) {
	if !e.optedIn.Load() {
		e.logger.Debug("payload_dropped_not_opted_in", slog.String("stream", p.Stream))
		return 0, nil
	}

	now := e.now()
	p.Data = p.Data.Merge(payload.Map{payload.KeyTimestamp: payload.Int(now.UnixMilli())})
	// The interaction is marked before the flag is read, so the payload that
	// ends a gap carries _sesstart itself.
	e.markInteraction(now)
	if e.sessionStart.Swap(false) {
		p.Data = p.Data.Merge(payload.Map{payload.KeySessionStart: payload.String(payload.SessionStartFlag)})
	}
	e.injectAdvertisingID(&p)
	return e.Enqueue(p)
}

// markInteraction raises the session-start flag on the first interaction or
// after a gap longer than the session timeout. Lifecycle hooks mark without
// submitting, so the flag then rides on the next submitted payload.
func (e *Engine) markInteraction(now time.Time) {
	cur := now.UnixMilli()
	last := e.lastInteraction.Swap(cur)
	if last == 0 || time.Duration(cur-last)*time.Millisecond > e.config().SessionTimeout {
		e.sessionStart.Store(true)
		e.logger.Debug("session_started", slog.Int64("last_interaction_ms", last))
	}
}

// Dispatch requests a dispatch cycle without waiting for it.
func (e *Engine) Dispatch() {
	if e.scheduler != nil {
		e.scheduler.Trigger()
	}
}

// Flush runs one dispatch cycle and waits for it.
func (e *Engine) Flush(ctx context.Context) (dispatcher.CycleResult, error) {
	if e.runner == nil {
		return dispatcher.CycleResult{}, fmt.Errorf("flush: no dispatch runner configured")
	}
	return e.runner.RunOnce(ctx)
}

func (e *Engine) OptIn() {
	e.setOptedIn(true)
	e.logger.Info("opted_in")
}

func (e *Engine) OptOut() {
	e.setOptedIn(false)
	e.logger.Info("opted_out")
}

func (e *Engine) OptedIn() bool {
	return e.optedIn.Load()
}

func (e *Engine) setOptedIn(v bool) {
	e.optedIn.Store(v)
	if s, ok := e.identity.(OptInStore); ok {
		s.SetOptedIn(v)
	}
}

// Reset opts the user out, disables the advertising id, drops every queued
// payload and starts a fresh anonymous user.
func (e *Engine) Reset() error {
	e.OptOut()
	e.DisableAdvertisingID()
	n, err := e.store.Clear()
	u := e.identity.Reset()
	anonID, _ := u.Identifiers[e.identity.AnonymousKey()].Str()
	e.logger.Info("identity_reset",
		slog.Int("cleared", n),
		slog.String("anonymous_id", anonID),
	)
	if err != nil {
		return fmt.Errorf("reset: clear queue: %w", err)
	}
	return nil
}

// User returns the current user.
func (e *Engine) User() User {
	return e.identity.Current()
}

// Stats reports the queue state.
func (e *Engine) Stats() (queue.Stats, error) {
	return e.store.Stats()
}
