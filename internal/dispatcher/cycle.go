package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuetzliches/eventpipe/internal/connectivity"
	"github.com/nuetzliches/eventpipe/internal/payload"
	"github.com/nuetzliches/eventpipe/internal/queue"
)

var ErrSendAborted = errors.New("send aborted")

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	ClaimID   string
	Skipped   bool
	Claimed   int
	Delivered int
	Failed    int
	Requeued  int
	Evicted   int
	Malformed int
	// SendErr is set when the send step aborted and the whole claim was
	// resolved as failed.
	SendErr  error
	Duration time.Duration
}

// Cycle claims every pending record, sends it and reconciles the outcome with
// the store.
type Cycle struct {
	Store        queue.Store
	Sender       *BatchSender
	Connectivity connectivity.Oracle
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *Cycle) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Cycle) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Cycle) Run(ctx context.Context) (CycleResult, error) {
	start := c.now()
	res, err := c.run(ctx)
	res.Duration = c.now().Sub(start)
	return res, err
}

func (c *Cycle) run(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	logger := c.logger()

	if c.Connectivity != nil && c.Connectivity.Status() == connectivity.Offline {
		res.Skipped = true
		logger.Info("dispatch_skipped_offline")
		return res, nil
	}

	claim, err := c.Store.ClaimPending()
	if err != nil {
		return res, fmt.Errorf("claim pending: %w", err)
	}
	res.ClaimID = claim.ID
	res.Claimed = len(claim.Items)
	res.Malformed = claim.Malformed
	if claim.Malformed > 0 {
		logger.Warn("malformed_payloads_dropped",
			slog.String("claim_id", claim.ID),
			slog.Int("count", claim.Malformed),
		)
	}
	if len(claim.Items) == 0 {
		logger.Debug("dispatch_queue_empty")
		return res, nil
	}

	var success, failed []int64
	results, sendErr := c.send(ctx, claim.Items)
	if sendErr != nil {
		res.SendErr = sendErr
		logger.Error("dispatch_send_aborted",
			slog.String("claim_id", claim.ID),
			slog.Int("items", len(claim.Items)),
			slog.Any("err", sendErr),
		)
		failed = claim.IDs()
	} else {
		success = payload.IDs(results.Success)
		failed = payload.IDs(results.Failed)
		connectivity.Report(c.Connectivity, len(results.Success) > 0)
	}

	var errs []error
	if len(success) > 0 {
		n, err := c.Store.ResolveSuccess(success)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve success: %w", err))
		}
		res.Delivered = n
	}
	if len(failed) > 0 {
		r, err := c.Store.ResolveFailure(failed)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve failure: %w", err))
		}
		res.Failed = len(failed)
		res.Requeued = r.Requeued
		res.Evicted = r.Evicted
		if r.Evicted > 0 {
			logger.Debug("payloads_evicted",
				slog.String("claim_id", claim.ID),
				slog.Int("count", r.Evicted),
			)
		}
	}
	return res, errors.Join(errs...)
}

// send runs the batch sender and turns a panic into an error so the caller
// can fail the whole claim instead of leaving it in processing.
func (c *Cycle) send(ctx context.Context, items []payload.Payload) (out Results, err error) {
	if c.Sender == nil || c.Sender.Deliverer == nil {
		return Results{}, fmt.Errorf("%w: no deliverer configured", ErrSendAborted)
	}
	defer func() {
		if r := recover(); r != nil {
			out = Results{}
			err = fmt.Errorf("%w: panic: %v", ErrSendAborted, r)
		}
	}()
	out = c.Sender.Send(ctx, items)
	if len(out.Success)+len(out.Failed) != len(items) {
		return Results{}, fmt.Errorf("%w: sender accounted for %d of %d payloads",
			ErrSendAborted, len(out.Success)+len(out.Failed), len(items))
	}
	return out, nil
}
