// ABOUTME: Tests for the relay-gateway command tree
// ABOUTME: Client commands run against an httptest server standing in for the gateway

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/web"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   []map[string]string
}

func (f *fakeAPI) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	body := map[string]string{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies = append(f.bodies, body)
}

func (f *fakeAPI) last() (string, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	return f.requests[n-1], f.bodies[n-1]
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{}
	sess := func(name, title string) web.SessionResponse {
		return web.SessionResponse{Name: name, Title: title, UpdatedAt: "2026-03-01T09:30:00Z"}
	}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []web.SessionResponse{
			sess("road-trip", "Road trip"),
			{Name: "groceries", Live: true, UpdatedAt: "2026-03-01T10:00:00Z"},
		}})
	})
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusCreated, sess("road-trip", ""))
	})
	mux.HandleFunc("PATCH /api/sessions/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, body := f.last()
		writeJSON(w, http.StatusOK, sess(r.PathValue("name"), body["title"]))
	})
	mux.HandleFunc("POST /api/sessions/{name}/archive", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("name") == "missing" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, sess(r.PathValue("name"), ""))
	})
	mux.HandleFunc("DELETE /api/sessions/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/sessions/{name}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"messages": []web.MessageResponse{
			{Role: "user", Source: "web", Content: "where to?", Timestamp: "2026-03-01T09:30:00Z"},
			{Role: "assistant", Content: "the coast", Timestamp: "2026-03-01T09:30:05Z"},
		}})
	})
	mux.HandleFunc("POST /api/sessions/{name}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && r.Header.Get("Authorization") != "Bearer cli-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

// runCLI executes the root command with a config path that does not exist,
// so client commands fall back to defaults plus --server.
func runCLI(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	noColor(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	full := append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--server", serverURL}, args...)
	root.SetArgs(full)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionsCommands(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "cli-key")
	api, srv := newFakeAPI(t)

	out, err := runCLI(t, srv.URL, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "road-trip")
	assert.Contains(t, out, "Road trip")
	req, _ := api.last()
	assert.Equal(t, "GET /api/sessions?archived=false", req)

	_, err = runCLI(t, srv.URL, "sessions", "list", "--archived")
	require.NoError(t, err)
	req, _ = api.last()
	assert.Equal(t, "GET /api/sessions?archived=true", req)

	out, err = runCLI(t, srv.URL, "sessions", "create", "road-trip")
	require.NoError(t, err)
	assert.Equal(t, "created road-trip\n", out)
	_, body := api.last()
	assert.Equal(t, "road-trip", body["name"])

	out, err = runCLI(t, srv.URL, "sessions", "rename", "road-trip", "Summer", "drive")
	require.NoError(t, err)
	assert.Equal(t, "renamed road-trip to \"Summer drive\"\n", out)
	req, body = api.last()
	assert.Equal(t, "PATCH /api/sessions/road-trip", req)
	assert.Equal(t, "Summer drive", body["title"])

	out, err = runCLI(t, srv.URL, "sessions", "archive", "road-trip")
	require.NoError(t, err)
	assert.Equal(t, "archived road-trip\n", out)

	_, err = runCLI(t, srv.URL, "sessions", "archive", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found (status 404)")

	out, err = runCLI(t, srv.URL, "sessions", "delete", "road-trip")
	require.NoError(t, err)
	assert.Equal(t, "deleted road-trip\n", out)
	req, _ = api.last()
	assert.Equal(t, "DELETE /api/sessions/road-trip", req)

	out, err = runCLI(t, srv.URL, "sessions", "history", "road-trip", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "user/web: where to?")
	assert.Contains(t, out, "assistant: the coast")
	req, _ = api.last()
	assert.Equal(t, "GET /api/sessions/road-trip/messages?limit=2", req)

	out, err = runCLI(t, srv.URL, "sessions", "send", "road-trip", "take", "the", "coast")
	require.NoError(t, err)
	assert.Equal(t, "sent to road-trip\n", out)
	_, body = api.last()
	assert.Equal(t, "take the coast", body["content"])
}

func TestSessionsCommandsNeedAPIKey(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "")
	_, srv := newFakeAPI(t)

	_, err := runCLI(t, srv.URL, "sessions", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestSessionsMissingConfigWithoutServer(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "sessions", "list"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestHealthCommand(t *testing.T) {
	_, srv := newFakeAPI(t)
	out, err := runCLI(t, srv.URL, "health")
	require.NoError(t, err)
	assert.Equal(t, "healthy\n", out)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
	}))
	defer down.Close()
	_, err = runCLI(t, down.URL, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestHashPassword(t *testing.T) {
	var out, prompt bytes.Buffer
	require.NoError(t, runHashPassword(strings.NewReader("hunter2\n"), &out, &prompt))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
	assert.Contains(t, prompt.String(), "Password:")
}

func TestBaseURL(t *testing.T) {
	cfg := config.Default()

	opts := &rootOptions{}
	cfg.Server.HTTPAddr = ":8080"
	assert.Equal(t, "http://localhost:8080", opts.baseURL(cfg))

	cfg.Server.HTTPAddr = "10.0.0.2:9000"
	assert.Equal(t, "http://10.0.0.2:9000", opts.baseURL(cfg))

	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "relay"
	assert.Equal(t, "http://relay", opts.baseURL(cfg))

	opts.serverURL = "https://relay.example.ts.net/"
	assert.Equal(t, "https://relay.example.ts.net", opts.baseURL(cfg))
}
