// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware of the chat service:
// bearer-token identity, request ids, and per-user rate limiting.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► AuthMiddleware ──► RateLimit ──► Handler
//	                 │                  │
//	                 │                  └─► 429 when the user's bucket is empty
//	                 └─► 401 when the bearer token is rejected
//
// Handlers read the caller through GetAuthInfo and the request id through
// GetRequestID.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the caller's AuthInfo.
const authInfoKey = "aleutian_chat_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller.
//
// # Outputs
//
//   - *extensions.AuthInfo: Caller, or nil when AuthMiddleware did not run
//     or stored a value of the wrong type.
//
// # Examples
//
//	info := middleware.GetAuthInfo(c)
//	if info == nil {
//	    c.JSON(http.StatusUnauthorized, ...)
//	    return
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware authenticates every request with a bearer token.
//
// # Description
//
// Reads "Authorization: Bearer <token>", validates it with provider, and
// stores the resulting AuthInfo for downstream handlers. Any validation
// failure aborts with 401 and a JSON error body; the cause is logged, never
// returned to the client.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for a route group.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Limitations
//
//   - Only bearer tokens are supported.
//   - Validation results are not cached.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	if provider == nil {
		panic("AuthMiddleware: provider must not be nil")
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil || authInfo == nil {
			message := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				message = "unauthorized"
			}
			slog.Warn("Rejected request authentication",
				"requestId", GetRequestID(c),
				"path", c.FullPath(),
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Error:     message,
				RequestID: GetRequestID(c),
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token of a "Bearer <token>" header, or "".
// The scheme is matched case-insensitively (RFC 7235).
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
