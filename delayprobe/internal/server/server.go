// Package server exposes the engine to the UI layer as a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/engine"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/session"
)

const (
	DefaultLongPollWait = 30 * time.Second
	MaxLongPollWait     = 2 * time.Minute
	maxBodyBytes        = 1 << 20
)

// Engine is the subset of *engine.Engine served over HTTP.
type Engine interface {
	Delay(name, group string) delay.Delay
	CheckDelay(ctx context.Context, name, group string, timeout time.Duration) (delay.Delay, error)
	CheckListDelay(names []string, group string, timeout time.Duration, hint int) error
	StartGlobalTest(opts engine.GlobalTestOptions) (string, error)
	CancelGlobalTest() error
	ForceCancelFrozenTest() bool
	HealthReport() engine.Health
	GroupURL(group string) string
	SetGroupURL(group, rawURL string) error
	OnDelay(name, group string, fn cache.DelayListener) func()
}

type Config struct {
	Logger *slog.Logger
	Engine Engine

	// Clock times long-poll waits.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    *Config
	Mux    *http.ServeMux
	engine Engine
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		Mux:    http.NewServeMux(),
		engine: cfg.Engine,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("GET /delay", s.handleDelay)
	s.Mux.HandleFunc("POST /delay/check", s.handleCheckDelay)
	s.Mux.HandleFunc("POST /delay/check-list", s.handleCheckListDelay)
	s.Mux.HandleFunc("POST /global-test/start", s.handleStartGlobalTest)
	s.Mux.HandleFunc("POST /global-test/cancel", s.handleCancelGlobalTest)
	s.Mux.HandleFunc("POST /global-test/force-cancel", s.handleForceCancel)
	s.Mux.HandleFunc("GET /health", s.handleHealth)
	s.Mux.HandleFunc("GET /groups/url", s.handleGetGroupURL)
	s.Mux.HandleFunc("PUT /groups/url", s.handlePutGroupURL)
	s.Mux.HandleFunc("GET /events/delay", s.handleDelayEvents)
}

// DelayResponse carries a delay in its legacy integer encoding plus its kind.
type DelayResponse struct {
	Name  string `json:"name"`
	Group string `json:"group"`
	Delay int64  `json:"delay"`
	State string `json:"state"`
}

func newDelayResponse(name, group string, d delay.Delay) DelayResponse {
	return DelayResponse{Name: name, Group: group, Delay: d.Legacy(), State: d.Kind().String()}
}

type CheckListRequest struct {
	Names       []string `json:"names"`
	Group       string   `json:"group"`
	TimeoutMS   int64    `json:"timeout_ms"`
	Concurrency int      `json:"concurrency"`
}

type StartGlobalTestRequest struct {
	TimeoutMS   int64    `json:"timeout_ms"`
	Concurrency int      `json:"concurrency"`
	Groups      []string `json:"groups"`
}

type StartGlobalTestResponse struct {
	SessionID string `json:"session_id"`
}

type GroupURLRequest struct {
	Group string `json:"group"`
	URL   string `json:"url"`
}

type GroupURLResponse struct {
	Group string `json:"group"`
	URL   string `json:"url"`
}

type ForceCancelResponse struct {
	WasRunning bool `json:"was_running"`
}

type LongPollResponse struct {
	DelayResponse
	Changed bool `json:"changed"`
}

func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	name, group, ok := s.nodeParams(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newDelayResponse(name, group, s.engine.Delay(name, group)))
}

func (s *Server) handleCheckDelay(w http.ResponseWriter, r *http.Request) {
	name, group, ok := s.nodeParams(w, r)
	if !ok {
		return
	}
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid timeout: %v", err), http.StatusBadRequest)
		return
	}
	s.log.Debug("[/delay/check]", "name", name, "group", group, "timeout", timeout)

	d, err := s.engine.CheckDelay(r.Context(), name, group, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newDelayResponse(name, group, d))
}

func (s *Server) handleCheckListDelay(w http.ResponseWriter, r *http.Request) {
	var req CheckListRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TimeoutMS < 0 {
		http.Error(w, "timeout_ms must not be negative", http.StatusBadRequest)
		return
	}
	s.log.Debug("[/delay/check-list]", "group", req.Group, "names", len(req.Names), "timeoutMs", req.TimeoutMS, "concurrency", req.Concurrency)

	if err := s.engine.CheckListDelay(req.Names, req.Group, time.Duration(req.TimeoutMS)*time.Millisecond, req.Concurrency); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartGlobalTest(w http.ResponseWriter, r *http.Request) {
	var req StartGlobalTestRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.TimeoutMS < 0 {
		http.Error(w, "timeout_ms must not be negative", http.StatusBadRequest)
		return
	}
	id, err := s.engine.StartGlobalTest(engine.GlobalTestOptions{
		Timeout:         time.Duration(req.TimeoutMS) * time.Millisecond,
		ConcurrencyHint: req.Concurrency,
		Groups:          req.Groups,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StartGlobalTestResponse{SessionID: id})
}

func (s *Server) handleCancelGlobalTest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelGlobalTest(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceCancel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ForceCancelResponse{WasRunning: s.engine.ForceCancelFrozenTest()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.HealthReport())
}

func (s *Server) handleGetGroupURL(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, GroupURLResponse{Group: group, URL: s.engine.GroupURL(group)})
}

func (s *Server) handlePutGroupURL(w http.ResponseWriter, r *http.Request) {
	var req GroupURLRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetGroupURL(req.Group, req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, GroupURLResponse{Group: req.Group, URL: s.engine.GroupURL(req.Group)})
}

// handleDelayEvents long-polls for the next write to a node, returning the
// current value unchanged once the wait elapses.
func (s *Server) handleDelayEvents(w http.ResponseWriter, r *http.Request) {
	name, group, ok := s.nodeParams(w, r)
	if !ok {
		return
	}
	wait := DefaultLongPollWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := config.ParseDurationOrMillis(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid wait: %v", err), http.StatusBadRequest)
			return
		}
		wait = min(d, MaxLongPollWait)
	}

	updates := make(chan delay.Delay, 1)
	unsubscribe := s.engine.OnDelay(name, group, func(_ cache.Key, d delay.Delay) {
		select {
		case updates <- d:
		default:
		}
	})
	defer unsubscribe()

	timer := s.cfg.Clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-updates:
		s.writeJSON(w, http.StatusOK, LongPollResponse{DelayResponse: newDelayResponse(name, group, d), Changed: true})
	case <-timer.Chan():
		s.writeJSON(w, http.StatusOK, LongPollResponse{DelayResponse: newDelayResponse(name, group, s.engine.Delay(name, group))})
	case <-r.Context().Done():
	}
}

func (s *Server) nodeParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	name, group := q.Get("name"), q.Get("group")
	if name == "" || group == "" {
		http.Error(w, "name and group are required", http.StatusBadRequest)
		return "", "", false
	}
	return name, group, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

// writeError maps engine and session errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, session.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoNodes):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error("server: request failed", "error", err)
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return config.ParseDurationOrMillis(v)
}
