// Package telemetry records pipeline metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nuetzliches/eventpipe/internal/dispatcher"
)

const meterName = "github.com/nuetzliches/eventpipe"

// Recorder records pipeline metrics.
// Use New for OTel metrics or Noop{} when disabled.
type Recorder interface {
	// Enqueued records one producer submission.
	Enqueued(ctx context.Context, stream string, err error)

	// Cycle records a finished dispatch cycle.
	Cycle(ctx context.Context, res dispatcher.CycleResult, err error)

	// StreamSend records the final outcome of one stream delivery.
	StreamSend(ctx context.Context, o dispatcher.StreamOutcome)
}

type otelMetrics struct {
	enqueued      metric.Int64Counter
	enqueueErrors metric.Int64Counter
	cycles        metric.Int64Counter
	delivered     metric.Int64Counter
	failed        metric.Int64Counter
	evicted       metric.Int64Counter
	malformed     metric.Int64Counter
	cycleLatency  metric.Float64Histogram
	requests      metric.Int64Counter
}

// New builds a recorder on the given meter provider, or the global one when
// mp is nil. On instrument errors it logs and returns Noop.
func New(mp metric.MeterProvider) Recorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(mp.Meter(meterName))
	if err != nil {
		slog.Warn("metrics_init_failed", slog.Any("err", err))
		return Noop{}
	}
	return m
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var (
		m   otelMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueued, "eventpipe.enqueued", "Payloads accepted into the local queue"},
		{&m.enqueueErrors, "eventpipe.enqueue.errors", "Payloads the local queue failed to store"},
		{&m.cycles, "eventpipe.cycles", "Dispatch cycles by outcome"},
		{&m.delivered, "eventpipe.delivered", "Payloads acknowledged by the collector"},
		{&m.failed, "eventpipe.failed", "Payloads whose delivery attempt failed"},
		{&m.evicted, "eventpipe.evicted", "Payloads dropped after exhausting retries"},
		{&m.malformed, "eventpipe.malformed", "Stored payloads dropped because they could not be decoded"},
		{&m.requests, "eventpipe.stream.requests", "Per-stream delivery requests by status"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	m.cycleLatency, err = meter.Float64Histogram("eventpipe.cycle.latency_ms",
		metric.WithDescription("Dispatch cycle latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *otelMetrics) Enqueued(ctx context.Context, stream string, err error) {
	attrs := metric.WithAttributes(attribute.String("stream", stream))
	if err != nil {
		m.enqueueErrors.Add(ctx, 1, attrs)
		return
	}
	m.enqueued.Add(ctx, 1, attrs)
}

func (m *otelMetrics) Cycle(ctx context.Context, res dispatcher.CycleResult, err error) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", cycleOutcome(res, err))))
	if res.Skipped {
		return
	}
	m.cycleLatency.Record(ctx, float64(res.Duration)/float64(time.Millisecond))
	if res.Delivered > 0 {
		m.delivered.Add(ctx, int64(res.Delivered))
	}
	if res.Failed > 0 {
		m.failed.Add(ctx, int64(res.Failed))
	}
	if res.Evicted > 0 {
		m.evicted.Add(ctx, int64(res.Evicted))
	}
	if res.Malformed > 0 {
		m.malformed.Add(ctx, int64(res.Malformed))
	}
}

func (m *otelMetrics) StreamSend(ctx context.Context, o dispatcher.StreamOutcome) {
	status := "error"
	if o.Result.Err == nil {
		status = strconv.Itoa(o.Result.StatusCode)
	}
	m.requests.Add(ctx, int64(o.Attempts), metric.WithAttributes(
		attribute.String("stream", o.Stream),
		attribute.String("status", status),
		attribute.Bool("ok", o.Result.OK()),
	))
}

func cycleOutcome(res dispatcher.CycleResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Skipped:
		return "skipped_offline"
	case res.SendErr != nil:
		return "aborted"
	case res.Claimed == 0:
		return "empty"
	case res.Failed > 0 && res.Delivered > 0:
		return "partial"
	case res.Failed > 0:
		return "failed"
	default:
		return "delivered"
	}
}
