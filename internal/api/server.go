package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/benaskins/warden/internal/daemon"
	"github.com/benaskins/warden/internal/journal"
)

// defaultLogLines is how many output lines GET /v1/logs returns without ?n=.
const defaultLogLines = 100

// Engine is the lifecycle interface the API exposes.
type Engine interface {
	Status() daemon.LiveStatus
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EnsureRunning(ctx context.Context) error
	Logs(n int) []string
	Events(ctx context.Context, n int) ([]journal.Event, error)
}

// Server serves the warden control API over a Unix socket.
type Server struct {
	engine   Engine
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates an API server backed by the given engine.
func NewServer(e Engine) *Server {
	s := &Server{
		engine: e,
		logger: slog.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("POST /v1/start", s.start)
	mux.HandleFunc("POST /v1/stop", s.stop)
	mux.HandleFunc("POST /v1/ensure", s.ensure)
	mux.HandleFunc("GET /v1/logs", s.logs)
	mux.HandleFunc("GET /v1/events", s.events)
	mux.HandleFunc("GET /v1/health", s.health)

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the HTTP handler, for serving on a custom listener.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix starts the server on a Unix socket. A stale socket file left by
// a previous instance is removed first.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(r.Context()); err != nil {
		s.writeError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.engine.Status())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(r.Context()); err != nil {
		s.writeError(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) ensure(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.EnsureRunning(r.Context()); err != nil {
		s.writeError(w, "ensure", err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n, ok := parseCount(w, r, defaultLogLines)
	if !ok {
		return
	}
	lines := s.engine.Logs(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	n, ok := parseCount(w, r, 50)
	if !ok {
		return
	}
	events, err := s.engine.Events(r.Context(), n)
	if err != nil {
		s.writeError(w, "events", err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseCount(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be an integer"})
		return 0, false
	}
	return n, true
}

// writeError maps engine errors to status codes: a missing token is a
// precondition failure and an exhausted start is service unavailable.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, daemon.ErrMissingToken):
		status = http.StatusPreconditionFailed
	case errors.Is(err, daemon.ErrNotReady):
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn("request failed", "op", op, "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
