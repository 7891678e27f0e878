// Package scheduler decides when the dispatch worker runs: immediately once the
// queue reaches its size threshold, after the upload interval otherwise, or on
// an explicit trigger.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Reason identifies what caused a dispatch.
type Reason string

const (
	ReasonSize     Reason = "size"
	ReasonInterval Reason = "interval"
	ReasonExplicit Reason = "explicit"
)

// Config carries the dispatch thresholds. Zero disables the matching trigger.
type Config struct {
	MaxQueueSize   int
	UploadInterval time.Duration
}

// Scheduler holds at most one armed interval timer.
type Scheduler struct {
	fire   func(Reason)
	logger *slog.Logger

	// afterFunc is swapped in tests.
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	cfg     Config
	timer   stopper
	gen     uint64
	stopped bool
	armed   int
}

type stopper interface {
	Stop() bool
}

// New builds a scheduler that calls fire for every triggered dispatch. fire
// must not block; wire it to a coalescing kick.
func New(cfg Config, fire func(Reason), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fire:   fire,
		logger: logger,
		cfg:    cfg,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Notify is called after every enqueue with the fresh pending count.
func (s *Scheduler) Notify(pending int) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.cfg.MaxQueueSize > 0 && pending >= s.cfg.MaxQueueSize {
		s.cancelLocked()
		s.mu.Unlock()
		s.logger.Debug("dispatch_size_reached",
			slog.Int("pending", pending),
			slog.Int("max_queue_size", s.cfg.MaxQueueSize),
		)
		s.fire(ReasonSize)
		return
	}
	if s.timer == nil && s.cfg.UploadInterval > 0 {
		s.armLocked(s.cfg.UploadInterval)
	}
	s.mu.Unlock()
}

// Trigger fires a dispatch regardless of timer state. An armed timer stays
// armed.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.fire(ReasonExplicit)
}

// Reconfigure swaps thresholds. An armed timer keeps its original deadline.
func (s *Scheduler) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if cfg.UploadInterval <= 0 {
		s.cancelLocked()
	}
}

// Config returns the active thresholds.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Scheduled reports whether an interval timer is armed.
func (s *Scheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Armed returns how many interval timers were armed over the scheduler's life.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Stop cancels the timer. Later Notify and Trigger calls are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelLocked()
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.gen++
	gen := s.gen
	s.armed++
	s.timer = s.afterFunc(d, func() { s.expire(gen) })
}

func (s *Scheduler) cancelLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
}

// expire clears the armed marker before firing so enqueues that land while
// the cycle runs can arm the next timer.
func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.fire(ReasonInterval)
}
