package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

const tracerName = "github.com/nuetzliches/eventpipe/internal/dispatcher"

type Results struct {
	Success []payload.Payload
	Failed  []payload.Payload
}

// StreamOutcome describes the final result of one stream's delivery.
type StreamOutcome struct {
	Stream   string
	Items    int
	Attempts int
	Result   Result
}

// BatchSender groups payloads by stream and delivers each group as a single
// exchange. A group succeeds or fails as a whole.
type BatchSender struct {
	Deliverer Deliverer
	// NetworkRetries is the number of immediate re-attempts of a failed
	// exchange within one send.
	NetworkRetries int
	Logger         *slog.Logger
	Observe        func(StreamOutcome)
}

type streamGroup struct {
	stream string
	items  []payload.Payload
}

// groupByStream keeps streams in first-seen order and items in input order.
func groupByStream(items []payload.Payload) []streamGroup {
	index := make(map[string]int)
	var groups []streamGroup
	for _, p := range items {
		i, ok := index[p.Stream]
		if !ok {
			i = len(groups)
			index[p.Stream] = i
			groups = append(groups, streamGroup{stream: p.Stream})
		}
		groups[i].items = append(groups[i].items, p)
	}
	return groups
}

func (s *BatchSender) Send(ctx context.Context, items []payload.Payload) Results {
	var out Results
	for _, g := range groupByStream(items) {
		if s.sendGroup(ctx, g) {
			out.Success = append(out.Success, g.items...)
		} else {
			out.Failed = append(out.Failed, g.items...)
		}
	}
	return out
}

func (s *BatchSender) sendGroup(ctx context.Context, g streamGroup) bool {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delivery := Delivery{Stream: g.stream, Items: make([]json.RawMessage, 0, len(g.items))}
	for _, p := range g.items {
		delivery.Items = append(delivery.Items, json.RawMessage(p.Clean().Serialize()))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "eventpipe.send_stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("eventpipe.stream", g.stream),
			attribute.Int("eventpipe.items", len(g.items)),
		),
	)
	defer span.End()

	attempts := 1 + max(s.NetworkRetries, 0)
	var res Result
	made := 0
	for made < attempts {
		made++
		res = s.Deliverer.Deliver(ctx, delivery)
		if res.OK() {
			break
		}
		logger.Debug("stream_send_attempt_failed",
			slog.String("stream", g.stream),
			slog.Int("attempt", made),
			slog.Int("status", res.StatusCode),
			slog.Any("err", res.Err),
		)
		if ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", res.StatusCode),
		attribute.Int("eventpipe.attempts", made),
	)
	if s.Observe != nil {
		s.Observe(StreamOutcome{Stream: g.stream, Items: len(g.items), Attempts: made, Result: res})
	}

	if res.OK() {
		return true
	}
	msg := "status " + strconv.Itoa(res.StatusCode)
	if res.Err != nil {
		msg = res.Err.Error()
	}
	span.SetStatus(codes.Error, msg)
	logger.Warn("stream_send_failed",
		slog.String("stream", g.stream),
		slog.Int("items", len(g.items)),
		slog.Int("attempts", made),
		slog.Int("status", res.StatusCode),
		slog.Any("err", res.Err),
	)
	return false
}
