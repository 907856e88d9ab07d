// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// brokenProvider fails validation with an infrastructure error.
type brokenProvider struct{}

func (brokenProvider) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	return nil, errors.New("token store offline")
}

// silentProvider accepts every token without returning a caller.
type silentProvider struct{}

func (silentProvider) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	return nil, nil
}

// newChatRouter mounts provider the way the /v1 group does and echoes the
// caller's user id.
func newChatRouter(t *testing.T, provider extensions.AuthProvider) *gin.Engine {
	t.Helper()

	router := gin.New()
	router.Use(RequestID(), AuthMiddleware(provider))
	router.GET("/v1/chats", func(c *gin.Context) {
		info := GetAuthInfo(c)
		require.NotNil(t, info)
		c.JSON(http.StatusOK, gin.H{"user_id": info.UserID})
	})
	return router
}

func staticProvider(t *testing.T) extensions.AuthProvider {
	t.Helper()

	provider, err := extensions.NewStaticTokenAuthProvider(map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	})
	require.NoError(t, err)
	return provider
}

// =============================================================================
// AuthMiddleware
// =============================================================================

func TestAuthMiddleware_StaticTokenTable(t *testing.T) {
	router := newChatRouter(t, staticProvider(t))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
		wantError  string
	}{
		{name: "alice", header: "Bearer tok-alice", wantStatus: http.StatusOK, wantUser: "alice"},
		{name: "bob", header: "Bearer tok-bob", wantStatus: http.StatusOK, wantUser: "bob"},
		{name: "lowercase scheme", header: "bearer tok-alice", wantStatus: http.StatusOK, wantUser: "alice"},
		{name: "unknown token", header: "Bearer tok-mallory", wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "basic scheme", header: "Basic dG9rLWFsaWNl", wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "scheme only", header: "Bearer", wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantUser != "" {
				assert.JSONEq(t, `{"user_id":"`+tt.wantUser+`"}`, w.Body.String())
				return
			}
			var body datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestAuthMiddleware_RejectionCarriesRequestID(t *testing.T) {
	router := newChatRouter(t, staticProvider(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer tok-mallory")
	req.Header.Set(RequestIDHeader, "req-401")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, datatypes.ErrorResponse{Error: "unauthorized", RequestID: "req-401"}, body)
	assert.Equal(t, "req-401", w.Header().Get(RequestIDHeader))
}

func TestAuthMiddleware_GeneratedRequestIDMatchesHeader(t *testing.T) {
	router := newChatRouter(t, staticProvider(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chats", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, w.Header().Get(RequestIDHeader), body.RequestID)
}

func TestAuthMiddleware_ProviderFailureHidesCause(t *testing.T) {
	router := newChatRouter(t, brokenProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "offline")
	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "authentication failed", body.Error)
}

func TestAuthMiddleware_NilCallerIsRejected(t *testing.T) {
	router := newChatRouter(t, silentProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_LocalUserFallback(t *testing.T) {
	router := newChatRouter(t, &extensions.NopAuthProvider{})

	for _, header := range []string{"", "Bearer anything", "Basic xyz"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, header)
		assert.JSONEq(t, `{"user_id":"local-user"}`, w.Body.String())
	}
}

func TestAuthMiddleware_RejectedRequestSkipsHandler(t *testing.T) {
	called := false
	router := gin.New()
	router.Use(AuthMiddleware(staticProvider(t)))
	router.POST("/v1/chat/stream", func(c *gin.Context) {
		called = true
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestAuthMiddleware_NilProviderPanics(t *testing.T) {
	assert.Panics(t, func() { AuthMiddleware(nil) })
}

// =============================================================================
// Context Helpers
// =============================================================================

func TestGetAuthInfo(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		info := &extensions.AuthInfo{UserID: "alice", Roles: []string{"user"}}

		SetAuthInfo(c, info)

		assert.Same(t, info, GetAuthInfo(c))
	})

	t.Run("absent", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())

		assert.Nil(t, GetAuthInfo(c))
	})

	t.Run("foreign value", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(authInfoKey, "alice")

		assert.Nil(t, GetAuthInfo(c))
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer tok-alice", "tok-alice"},
		{"BEARER tok-alice", "tok-alice"},
		{"Bearer   tok-alice  ", "tok-alice"},
		{"Bearer", ""},
		{"Token tok-alice", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}
