// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// echoRunner streams the user message back.
type echoRunner struct{}

func (echoRunner) Run(_ context.Context, in pipeline.RunInput, out pipeline.FragmentWriter) (pipeline.RunResult, error) {
	_ = out.WriteFragment("echo: " + in.Message)
	return pipeline.RunResult{State: pipeline.StateDone}, nil
}

type testServer struct {
	router *gin.Engine
	store  storage.ConversationStore
}

func newTestServer(t *testing.T, opts extensions.ServiceOptions, limiter *middleware.UserRateLimiter) *testServer {
	t.Helper()
	store, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	router := gin.New()
	SetupRoutes(router, Dependencies{
		Streaming:   handlers.NewStreamingChatHandler(echoRunner{}, store, opts),
		Chats:       handlers.NewChatHandler(store, opts),
		Options:     opts,
		RateLimiter: limiter,
		Metrics:     promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
	return &testServer{router: router, store: store}
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Registration Tests
// ============================================================================

func TestSetupRoutes_RegistersAllRoutes(t *testing.T) {
	s := newTestServer(t, extensions.DefaultOptions(), nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/chats/stream"},
		{"POST", "/v1/chats/agent/stream"},
		{"POST", "/v1/chats"},
		{"GET", "/v1/chats"},
		{"DELETE", "/v1/chats/:chatId"},
		{"POST", "/v1/chats/:chatId/clear"},
		{"GET", "/v1/chats/:chatId/messages"},
		{"POST", "/v1/chats/:chatId/messages"},
		{"POST", "/v1/workspaces"},
		{"GET", "/v1/workspaces"},
	}

	routes := s.router.Routes()
	for _, e := range expected {
		found := false
		for _, r := range routes {
			if r.Method == e.method && r.Path == e.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", e.method, e.path)
		}
	}
}

func TestSetupRoutes_MetricsOptional(t *testing.T) {
	store, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()

	router := gin.New()
	opts := extensions.DefaultOptions()
	SetupRoutes(router, Dependencies{
		Streaming: handlers.NewStreamingChatHandler(echoRunner{}, store, opts),
		Chats:     handlers.NewChatHandler(store, opts),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_PanicsWithoutHandlers(t *testing.T) {
	assert.Panics(t, func() { SetupRoutes(gin.New(), Dependencies{}) })
}

// ============================================================================
// End-to-End Tests
// ============================================================================

func TestSetupRoutes_HealthIsPublic(t *testing.T) {
	tokens, err := extensions.NewStaticTokenAuthProvider(map[string]string{"tok-alice": "alice"})
	require.NoError(t, err)
	s := newTestServer(t, extensions.DefaultOptions().WithAuth(tokens), nil)

	w := s.do(http.MethodGet, "/health", "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestSetupRoutes_V1RequiresToken(t *testing.T) {
	tokens, err := extensions.NewStaticTokenAuthProvider(map[string]string{"tok-alice": "alice"})
	require.NoError(t, err)
	s := newTestServer(t, extensions.DefaultOptions().WithAuth(tokens), nil)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/chats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/chats", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/chats", "tok-alice", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/workspaces", "", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/workspaces", "tok-alice", "").Code)
}

func TestSetupRoutes_WorkspacesAreOwnedByToken(t *testing.T) {
	tokens, err := extensions.NewStaticTokenAuthProvider(map[string]string{"tok-alice": "alice", "tok-bob": "bob"})
	require.NoError(t, err)
	s := newTestServer(t, extensions.DefaultOptions().WithAuth(tokens), nil)

	w := s.do(http.MethodPost, "/v1/workspaces", "tok-alice", `{"name":"Alice's"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var ws datatypes.WorkspaceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	assert.Equal(t, http.StatusNotFound,
		s.do(http.MethodPost, "/v1/chats", "tok-bob", `{"workspace_id":"`+ws.ID+`"}`).Code)
	assert.Equal(t, http.StatusNotFound,
		s.do(http.MethodGet, "/v1/chats?workspace_id="+ws.ID, "tok-bob", "").Code)
	assert.JSONEq(t, `[]`, s.do(http.MethodGet, "/v1/workspaces", "tok-bob", "").Body.String())
	assert.Equal(t, http.StatusCreated,
		s.do(http.MethodPost, "/v1/chats", "tok-alice", `{"workspace_id":"`+ws.ID+`"}`).Code)
}

func TestSetupRoutes_CreateThenStream(t *testing.T) {
	s := newTestServer(t, extensions.DefaultOptions(), nil)

	w := s.do(http.MethodPost, "/v1/workspaces", "any", `{"name":"Research"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var ws datatypes.WorkspaceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	w = s.do(http.MethodPost, "/v1/chats", "any", `{"workspace_id":"`+ws.ID+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	convs, err := s.store.ListConversations(context.Background(), "local-user", ws.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	body := `{"chat_id":"` + convs[0].ID + `","message":"ping"}`
	w = s.do(http.MethodPost, "/v1/chats/stream", "any", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "echo: ping", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestSetupRoutes_StreamingIsRateLimited(t *testing.T) {
	limiter := middleware.NewUserRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
		IdleTTL:           time.Minute,
	})
	s := newTestServer(t, extensions.DefaultOptions(), limiter)

	conv, err := s.store.CreateConversation(context.Background(), "local-user", "ws-1", "")
	require.NoError(t, err)
	body := `{"chat_id":"` + conv.ID + `","message":"ping"}`

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/chats/stream", "any", body).Code)

	w := s.do(http.MethodPost, "/v1/chats/agent/stream", "any", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// CRUD routes are not throttled.
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/chats", "any", "").Code)
}
