package connectivity

import (
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Status is the tri-state answer to "can we reach the collector". Only
// Offline suppresses dispatch.
type Status int32

const (
	Unknown Status = iota
	Online
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unknown":
		return Unknown, true
	case "online", "true", "connected":
		return Online, true
	case "offline", "false", "disconnected":
		return Offline, true
	}
	return Unknown, false
}

type Oracle interface {
	Status() Status
}

// Reporter receives delivery outcomes so an oracle can learn reachability.
type Reporter interface {
	Report(ok bool)
}

// Report forwards ok to o when it accepts outcomes.
func Report(o Oracle, ok bool) {
	if r, isReporter := o.(Reporter); isReporter {
		r.Report(ok)
	}
}

// Static is a settable oracle. The zero value reports Unknown.
type Static struct {
	v atomic.Int32
}

func NewStatic(s Status) *Static {
	st := &Static{}
	st.Set(s)
	return st
}

func (s *Static) Set(status Status) { s.v.Store(int32(status)) }

func (s *Static) Status() Status { return Status(s.v.Load()) }

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenProbes      uint32
}

var errCollectorUnreachable = errors.New("collector unreachable")

// Breaker derives reachability from delivery outcomes with a circuit breaker:
// closed is Online, half-open is Unknown (a probing cycle may run) and open is
// Offline until OpenTimeout elapses.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	override Oracle
}

func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsecutiveFailures
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "collector",
			MaxRequests: cfg.HalfOpenProbes,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("connectivity_state_changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// WithOverride lets another oracle veto dispatch: if it reports Offline the
// breaker does too.
func (b *Breaker) WithOverride(o Oracle) *Breaker {
	b.override = o
	return b
}

func (b *Breaker) Status() Status {
	if b.override != nil && b.override.Status() == Offline {
		return Offline
	}
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return Online
	case gobreaker.StateOpen:
		return Offline
	default:
		return Unknown
	}
}

func (b *Breaker) Report(ok bool) {
	_, _ = b.cb.Execute(func() (interface{}, error) {
		if ok {
			return nil, nil
		}
		return nil, errCollectorUnreachable
	})
}

func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
