package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultMaxResponseBytes = 64 << 10
)

var ErrEmptyEndpoint = errors.New("collection endpoint is empty")

type HTTPConfig struct {
	// Endpoint is the collection base URL; the stream name is appended.
	Endpoint string
	APIKey   string
	Sandbox  bool
	// Header carries extra request headers. Protocol headers always win.
	Header           http.Header
	Timeout          time.Duration
	MaxResponseBytes int64
}

// HTTPDeliverer posts one JSON array per stream to the collection endpoint.
type HTTPDeliverer struct {
	Client *http.Client
	Config HTTPConfig
	Logger *slog.Logger
}

func NewHTTPDeliverer(client *http.Client, cfg HTTPConfig) *HTTPDeliverer {
	// The deliverer owns a copy; the caller's client keeps its redirect policy.
	c := &http.Client{}
	if client != nil {
		*c = *client
	}
	c.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	return &HTTPDeliverer{Client: c, Config: cfg}
}

// URL returns the collection URL for stream.
func (d *HTTPDeliverer) URL(stream string) (string, error) {
	base := strings.TrimSpace(d.Config.Endpoint)
	if base == "" {
		return "", ErrEmptyEndpoint
	}
	raw := base + url.PathEscape(stream)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if d.Config.Sandbox {
		q := u.Query()
		q.Set("dryrun", "true")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, delivery Delivery) Result {
	target, err := d.URL(delivery.Stream)
	if err != nil {
		return Result{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.Config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(delivery.Body()))
	if err != nil {
		return Result{Err: err}
	}
	for k, v := range d.Config.Header {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	req.Header.Set("Authorization", d.Config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Connection", "close")
	req.Close = true

	resp, err := d.Client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.Config.MaxResponseBytes))
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: err}
	}

	if d.Logger != nil {
		d.Logger.Debug("collector_response",
			slog.String("stream", delivery.Stream),
			slog.Int("status", resp.StatusCode),
			slog.Int("items", len(delivery.Items)),
			slog.String("body", string(body)),
		)
	}
	return Result{StatusCode: resp.StatusCode, Body: body}
}
