// ABOUTME: HTTP surface of the web front-end: routes, JSON helpers and health endpoints
// ABOUTME: REST and WebSocket handlers all go through the session registry

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/session"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	defaultSendTimeout  = 30 * time.Second
)

// Pinger reports whether the backing store is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the web front-end.
type Config struct {
	HistoryLimit   int           // messages sent with a subscribe confirmation
	SendTimeout    time.Duration // bound on handing one message to the engine
	AllowedOrigins []string      // extra WebSocket origin patterns
}

// Server serves the REST API, the WebSocket endpoint and health checks.
type Server struct {
	registry *session.Registry
	auth     *auth.Authenticator
	pinger   Pinger
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates a Server. pinger may be nil, in which case readiness always passes.
func NewServer(reg *session.Registry, authn *auth.Authenticator, pinger Pinger, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Server{
		registry: reg,
		auth:     authn,
		pinger:   pinger,
		cfg:      cfg,
		logger:   logger.With("component", "web"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	// Authenticated
	protect := s.auth.Middleware
	mux.Handle("GET /api/sessions", protect(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("POST /api/sessions", protect(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("PATCH /api/sessions/{name}", protect(http.HandlerFunc(s.handleRenameSession)))
	mux.Handle("DELETE /api/sessions/{name}", protect(http.HandlerFunc(s.handleDeleteSession)))
	mux.Handle("POST /api/sessions/{name}/archive", protect(http.HandlerFunc(s.handleArchiveSession)))
	mux.Handle("POST /api/sessions/{name}/unarchive", protect(http.HandlerFunc(s.handleUnarchiveSession)))
	mux.Handle("GET /api/sessions/{name}/messages", protect(http.HandlerFunc(s.handleHistory)))
	mux.Handle("POST /api/sessions/{name}/messages", protect(http.HandlerFunc(s.handlePostMessage)))
	mux.Handle("GET /ws", s.auth.WebSocketMiddleware(http.HandlerFunc(s.handleWebSocket)))

	return mux
}

// sendJSON writes v as a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": len(s.registry.LiveSessions()),
	})
}

// handleReady returns 200 OK if the transcript store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			s.sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "store unreachable"})
			return
		}
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
