package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Worker runs dispatch cycles on a single goroutine. Kicks coalesce: any
// number of kicks while a cycle is queued or running yield one more cycle.
type Worker struct {
	Cycle  *Cycle
	Logger *slog.Logger
	// FlushOnDrain runs one last cycle when Drain is called.
	FlushOnDrain bool
	// OnCycle observes every finished cycle, including skipped ones.
	OnCycle func(CycleResult, error)

	runMu    sync.Mutex
	stateMu  sync.Mutex
	kick     chan struct{}
	initOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	started  bool
	wg       sync.WaitGroup
}

func NewWorker(c *Cycle, logger *slog.Logger) *Worker {
	w := &Worker{Cycle: c, Logger: logger}
	w.init()
	return w
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.kick = make(chan struct{}, 1)
		w.stopCh = make(chan struct{})
	})
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Kick requests a cycle without blocking.
func (w *Worker) Kick() {
	w.init()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// RunOnce runs a cycle synchronously. Concurrent callers are serialized.
func (w *Worker) RunOnce(ctx context.Context) (CycleResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	res, err := w.Cycle.Run(ctx)
	logger := w.logger()
	switch {
	case err != nil:
		logger.Error("dispatch_cycle_failed",
			slog.String("claim_id", res.ClaimID),
			slog.Int("claimed", res.Claimed),
			slog.Any("err", err),
		)
	case res.Claimed > 0:
		logger.Info("dispatch_cycle_done",
			slog.String("claim_id", res.ClaimID),
			slog.Int("claimed", res.Claimed),
			slog.Int("delivered", res.Delivered),
			slog.Int("requeued", res.Requeued),
			slog.Int("evicted", res.Evicted),
			slog.Duration("duration", res.Duration),
		)
	}
	if w.OnCycle != nil {
		w.OnCycle(res, err)
	}
	return res, err
}

// Start spawns the worker goroutine. Call Drain to stop it.
func (w *Worker) Start() {
	w.init()
	w.stateMu.Lock()
	if w.started {
		w.stateMu.Unlock()
		return
	}
	w.started = true
	w.stateMu.Unlock()

	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			if w.FlushOnDrain {
				_, _ = w.RunOnce(context.Background())
			}
			return
		case <-w.kick:
			select {
			case <-w.stopCh:
				if w.FlushOnDrain {
					_, _ = w.RunOnce(context.Background())
				}
				return
			default:
			}
			_, _ = w.RunOnce(context.Background())
		}
	}
}

// Drain stops accepting kicks and waits for the in-flight cycle (and the final
// flush, if enabled). Returns false if timeout expired first.
func (w *Worker) Drain(timeout time.Duration) bool {
	w.init()
	w.stopOnce.Do(func() { close(w.stopCh) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
