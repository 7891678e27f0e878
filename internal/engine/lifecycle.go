package engine

import (
	"log/slog"
	"strings"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

// Lifecycle receives host application state changes.
type Lifecycle interface {
	OnForeground(activity string)
	OnBackground()
	OnScreen(name string)
}

var _ Lifecycle = (*Engine)(nil)

// OnForeground marks an interaction and, on the first call, emits an app open
// event when auto tracking is enabled. activity names the view that came to
// the foreground and may be empty.
func (e *Engine) OnForeground(activity string) {
	e.markInteraction(e.now())
	if !e.config().AutoTrackAppOpens || e.appOpened.Swap(true) {
		return
	}
	ev := payload.Event{Name: AppOpenEvent}
	if activity = strings.TrimSpace(activity); activity != "" {
		ev.Properties = payload.Map{"activity": payload.String(activity)}
	}
	if _, err := e.Track(ev); err != nil {
		e.logger.Warn("app_open_track_failed", slog.Any("err", err))
	}
}

// OnBackground marks an interaction and requests a dispatch so queued events
// leave before the host goes idle.
func (e *Engine) OnBackground() {
	e.markInteraction(e.now())
	e.Dispatch()
}

// OnScreen emits a screen view when auto tracking is enabled.
func (e *Engine) OnScreen(name string) {
	if name = strings.TrimSpace(name); !e.config().AutoTrackScreens || name == "" {
		return
	}
	if _, err := e.Screen(payload.Event{Name: name}); err != nil {
		e.logger.Warn("screen_track_failed", slog.String("screen", name), slog.Any("err", err))
	}
}
