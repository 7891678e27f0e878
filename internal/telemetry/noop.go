package telemetry

import (
	"context"

	"github.com/nuetzliches/eventpipe/internal/dispatcher"
)

// Noop is a Recorder that does nothing.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) Enqueued(context.Context, string, error) {}

func (Noop) Cycle(context.Context, dispatcher.CycleResult, error) {}

func (Noop) StreamSend(context.Context, dispatcher.StreamOutcome) {}
