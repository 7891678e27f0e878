// Package ingest serves the local HTTP API that producers use to hand events
// to the agent.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nuetzliches/eventpipe/internal/payload"
	"github.com/nuetzliches/eventpipe/internal/queue"
	"github.com/nuetzliches/eventpipe/internal/secrets"
)

const DefaultMaxBodyBytes = 1 << 20

// Engine is the producer API the server forwards to.
type Engine interface {
	Track(payload.Event) (int64, error)
	Screen(payload.Event) (int64, error)
	Identify(payload.IdentityEvent) (int64, error)
	Consent(payload.ConsentEvent) (int64, error)
	Dispatch()
	OptIn()
	OptOut()
	OptedIn() bool
	Reset() error
	Stats() (queue.Stats, error)
	EnableAdvertisingID()
	DisableAdvertisingID()
	AdvertisingIDEnabled() bool
	OnForeground(activity string)
	OnBackground()
	OnScreen(name string)
}

type Server struct {
	Engine Engine
	// Token enables bearer auth on every /v1 endpoint when non-empty.
	Token        secrets.Value
	MaxBodyBytes int64
	Logger       *slog.Logger
	// ObserveReject is called for every rejected request.
	ObserveReject func(endpoint string, statusCode int, reason string)

	mux *http.ServeMux
}

func NewServer(engine Engine) *Server {
	s := &Server{
		Engine:       engine,
		MaxBodyBytes: DefaultMaxBodyBytes,
		Logger:       slog.Default(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/track", s.auth(s.handleTrack))
	mux.HandleFunc("POST /v1/screen", s.auth(s.handleScreen))
	mux.HandleFunc("POST /v1/identify", s.auth(s.handleIdentify))
	mux.HandleFunc("POST /v1/consent", s.auth(s.handleConsent))
	mux.HandleFunc("POST /v1/dispatch", s.auth(s.handleDispatch))
	mux.HandleFunc("POST /v1/opt-in", s.auth(s.handleOptIn))
	mux.HandleFunc("POST /v1/opt-out", s.auth(s.handleOptOut))
	mux.HandleFunc("POST /v1/reset", s.auth(s.handleReset))
	mux.HandleFunc("POST /v1/advertising-id/{action}", s.auth(s.handleAdvertisingID))
	mux.HandleFunc("POST /v1/lifecycle/{state}", s.auth(s.handleLifecycle))
	mux.HandleFunc("GET /v1/stats", s.auth(s.handleStats))
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && !s.verifyBearer(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="eventpipe"`)
			s.reject(w, r, http.StatusUnauthorized, "auth")
			return
		}
		next(w, r)
	}
}

func (s *Server) verifyBearer(r *http.Request) bool {
	raw := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	token = strings.TrimSpace(token)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.Token.Reveal())) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var ev payload.Event
	if !s.decode(w, r, &ev) {
		return
	}
	s.accepted(w, r, ev.Stream, true)(s.Engine.Track(ev))
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	var ev payload.Event
	if !s.decode(w, r, &ev) {
		return
	}
	if strings.TrimSpace(ev.Name) == "" {
		s.reject(w, r, http.StatusBadRequest, "missing_name")
		return
	}
	s.accepted(w, r, ev.Stream, true)(s.Engine.Screen(ev))
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var ev payload.IdentityEvent
	if !s.decode(w, r, &ev) {
		return
	}
	s.accepted(w, r, ev.Stream, ev.SendEvent)(s.Engine.Identify(ev))
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var ev payload.ConsentEvent
	if !s.decode(w, r, &ev) {
		return
	}
	s.accepted(w, r, ev.Stream, ev.SendEvent)(s.Engine.Consent(ev))
}

func (s *Server) handleDispatch(w http.ResponseWriter, _ *http.Request) {
	s.Engine.Dispatch()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleOptIn(w http.ResponseWriter, _ *http.Request) {
	s.Engine.OptIn()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOptOut(w http.ResponseWriter, _ *http.Request) {
	s.Engine.OptOut()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Reset(); err != nil {
		s.Logger.Error("ingest_reset_failed", slog.Any("err", err))
		s.reject(w, r, http.StatusServiceUnavailable, "storage")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvertisingID(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "enable":
		s.Engine.EnableAdvertisingID()
	case "disable":
		s.Engine.DisableAdvertisingID()
	default:
		s.reject(w, r, http.StatusNotFound, "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycleRequest names the foreground activity or the screen shown.
type lifecycleRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	switch r.PathValue("state") {
	case "foreground":
		if !s.decodeBody(w, r, &req, true) {
			return
		}
		s.Engine.OnForeground(req.Name)
	case "background":
		s.Engine.OnBackground()
	case "screen":
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			s.reject(w, r, http.StatusBadRequest, "missing_name")
			return
		}
		s.Engine.OnScreen(req.Name)
	default:
		s.reject(w, r, http.StatusNotFound, "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	queue.Stats
	OptedIn              bool `json:"opted_in"`
	AdvertisingIDEnabled bool `json:"advertising_id_enabled"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.Stats()
	if err != nil {
		s.Logger.Error("ingest_stats_failed", slog.Any("err", err))
		s.reject(w, r, http.StatusServiceUnavailable, "storage")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:                st,
		OptedIn:              s.Engine.OptedIn(),
		AdvertisingIDEnabled: s.Engine.AdvertisingIDEnabled(),
	})
}

// decode reads a size-limited JSON body into dst. It writes the rejection
// and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return s.decodeBody(w, r, dst, false)
}

// decodeBody is decode with an optional body; an empty optional body leaves
// dst untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	maxBody := s.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.reject(w, r, http.StatusRequestEntityTooLarge, "body_too_large")
			return false
		}
		s.reject(w, r, http.StatusBadRequest, "read_body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return true
		}
		s.reject(w, r, http.StatusBadRequest, "empty_body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.reject(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

type acceptedResponse struct {
	Status string `json:"status"`
	ID     int64  `json:"id,omitempty"`
}

// accepted returns a completion for the engine's (id, err) result. A zero id
// without error means the engine dropped the payload, unless no payload was
// requested in the first place.
func (s *Server) accepted(w http.ResponseWriter, r *http.Request, stream string, emits bool) func(int64, error) {
	return func(id int64, err error) {
		if err != nil {
			s.Logger.Error("ingest_enqueue_failed", slog.String("stream", stream), slog.Any("err", err))
			s.reject(w, r, http.StatusServiceUnavailable, "storage")
			return
		}
		status := "queued"
		switch {
		case !emits:
			status = "updated"
		case id == 0:
			status = "dropped"
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{Status: status, ID: id})
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, statusCode int, reason string) {
	if s.ObserveReject != nil {
		s.ObserveReject(r.URL.Path, statusCode, reason)
	}
	writeJSON(w, statusCode, map[string]string{"error": reason})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
