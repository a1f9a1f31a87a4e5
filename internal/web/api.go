// ABOUTME: REST handlers for session management, history and login
// ABOUTME: Lifecycle calls go through the registry so live sessions stay consistent

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

// SourceAPI tags messages posted through the REST API.
const SourceAPI = "api"

// SessionResponse is the JSON shape of a session.
type SessionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Archived  bool   `json:"archived"`
	CreatedBy string `json:"createdBy,omitempty"`
	Live      bool   `json:"live"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// MessageResponse is the JSON shape of a transcript row.
type MessageResponse struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

type createSessionRequest struct {
	Name string `json:"name"`
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) toSessionResponse(sess *store.Session) SessionResponse {
	_, live := s.registry.Live(sess.Name)
	return SessionResponse{
		ID:        sess.ID,
		Name:      sess.Name,
		Title:     sess.Title,
		Archived:  sess.Archived,
		CreatedBy: sess.CreatedBy,
		Live:      live,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt: sess.UpdatedAt.Format(time.RFC3339),
	}
}

func toMessageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = MessageResponse{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Source:    m.Source,
			Metadata:  m.Metadata,
			Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		}
	}
	return out
}

// decodeBody decodes a small JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleListSessions handles GET /api/sessions?archived=true|false.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	archived := false
	if raw := r.URL.Query().Get("archived"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "archived must be true or false")
			return
		}
		archived = parsed
	}

	sessions, err := s.registry.ListSessions(r.Context(), archived)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]SessionResponse, len(sessions))
	for i, sess := range sessions {
		out[i] = s.toSessionResponse(sess)
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleCreateSession handles POST /api/sessions. An empty name generates one.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ms, err := s.registry.GetOrCreateSession(r.Context(), req.Name, SourceAPI)
	if err != nil {
		s.logger.Error("failed to create session", "name", req.Name, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	sess, err := s.registry.GetSession(r.Context(), ms.Name())
	if err != nil {
		s.logger.Error("failed to load session", "name", ms.Name(), "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusCreated, s.toSessionResponse(sess))
}

// handleRenameSession handles PATCH /api/sessions/{name} with {"title": ...}.
func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req renameSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	ok, err := s.registry.RenameSession(r.Context(), name, title)
	s.finishLifecycle(w, r, name, "rename", ok, err)
}

// handleArchiveSession handles POST /api/sessions/{name}/archive.
func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.registry.ArchiveSession(r.Context(), name)
	s.finishLifecycle(w, r, name, "archive", ok, err)
}

// handleUnarchiveSession handles POST /api/sessions/{name}/unarchive.
func (s *Server) handleUnarchiveSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.registry.UnarchiveSession(r.Context(), name)
	s.finishLifecycle(w, r, name, "unarchive", ok, err)
}

// handleDeleteSession handles DELETE /api/sessions/{name}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.registry.DeleteSession(r.Context(), name)
	if err != nil {
		s.logger.Error("failed to delete session", "name", name, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// finishLifecycle answers a lifecycle call with the updated session.
func (s *Server) finishLifecycle(w http.ResponseWriter, r *http.Request, name, op string, ok bool, err error) {
	if err != nil {
		s.logger.Error("session lifecycle failed", "op", op, "name", name, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.registry.GetSession(r.Context(), name)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, s.toSessionResponse(sess))
}

// handleHistory handles GET /api/sessions/{name}/messages?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	msgs, err := s.registry.History(r.Context(), name, limit)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get messages", "name", name, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"sessionName": name,
		"messages":    toMessageResponses(msgs),
	})
}

// handlePostMessage handles POST /api/sessions/{name}/messages. The reply streams
// to subscribers; this call returns once the message is recorded and dispatched.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req postMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.registry.SendToSession(ctx, name, req.Content, SourceAPI); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionClosed) {
			status = http.StatusConflict
		}
		s.logger.Error("failed to send message", "name", name, "error", err)
		s.sendJSONError(w, status, "failed to send message")
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "sessionName": name})
}

// handleLogin handles POST /api/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expires, err := s.auth.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		s.sendJSONError(w, http.StatusNotFound, "password login is not enabled")
		return
	case errors.Is(err, auth.ErrBadCredentials):
		s.logger.Warn("failed login attempt", "remote", r.RemoteAddr)
		s.sendJSONError(w, http.StatusUnauthorized, "invalid password")
		return
	case err != nil:
		s.logger.Error("login failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.auth.SetCookie(w, token, expires)
	s.sendJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)})
}

// handleLogout handles POST /api/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
