package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

// AdvertisingIDProvider returns the host's advertising id. An empty id means
// the host has none or the user limited ad tracking.
type AdvertisingIDProvider interface {
	AdvertisingID(ctx context.Context) (string, error)
}

// FileAdvertisingID reads the id from a file on every call so a rotated id is
// picked up without a restart. A missing file reports no id.
type FileAdvertisingID struct {
	Path string
}

func (f FileAdvertisingID) AdvertisingID(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read advertising id: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func WithAdvertisingID(p AdvertisingIDProvider) Option {
	return func(e *Engine) {
		if p != nil {
			e.adID = p
		}
	}
}

// EnableAdvertisingID attaches the advertising id to every later event.
func (e *Engine) EnableAdvertisingID() {
	e.setAdvertisingID(true)
	e.logger.Info("advertising_id_enabled")
}

// DisableAdvertisingID stops attaching the advertising id and removes it from
// the current user.
func (e *Engine) DisableAdvertisingID() {
	e.setAdvertisingID(false)
	e.identity.Forget(payload.AdvertisingID)
	e.logger.Info("advertising_id_disabled")
}

func (e *Engine) AdvertisingIDEnabled() bool {
	return e.adEnabled.Load()
}

func (e *Engine) setAdvertisingID(v bool) {
	e.adEnabled.Store(v)
	if s, ok := e.identity.(AdvertisingIDStore); ok {
		s.SetAdvertisingIDEnabled(v)
	}
}

// injectAdvertisingID adds the current advertising id to p and records it on
// the user when it changed. Provider errors leave p untouched.
func (e *Engine) injectAdvertisingID(p *payload.Payload) {
	if !e.adEnabled.Load() || e.adID == nil {
		return
	}
	id, err := e.adID.AdvertisingID(context.Background())
	if err != nil {
		e.logger.Warn("advertising_id_failed", slog.Any("err", err))
		return
	}
	if id == "" {
		return
	}
	v := payload.String(id)
	p.Identifiers = p.Identifiers.Merge(payload.Map{payload.AdvertisingID: v})
	if !e.identity.Current().Identifiers[payload.AdvertisingID].Equal(v) {
		e.identity.Merge(payload.Map{payload.AdvertisingID: v}, nil, nil)
	}
}
