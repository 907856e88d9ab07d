// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
)

// Dependencies are the handlers and middleware inputs for SetupRoutes.
type Dependencies struct {
	// Streaming serves the two answer endpoints. Required.
	Streaming handlers.StreamingChatHandler

	// Chats serves conversation management. Required.
	Chats *handlers.ChatHandler

	// Options supplies the auth provider for the /v1 group.
	Options extensions.ServiceOptions

	// RateLimiter throttles the streaming endpoints. Nil disables it.
	RateLimiter *middleware.UserRateLimiter

	// Metrics serves GET /metrics. Nil leaves the route unregistered.
	Metrics http.Handler
}

// SetupRoutes registers every route of the chat service.
//
// # Description
//
// /health and /metrics are public. Everything under /v1 passes the auth
// middleware; the two streaming routes are additionally rate limited per
// user.
//
// # Limitations
//
//   - Panics if Streaming or Chats is nil.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Streaming == nil {
		panic("SetupRoutes: streaming handler must not be nil")
	}
	if deps.Chats == nil {
		panic("SetupRoutes: chat handler must not be nil")
	}
	opts := deps.Options.Normalized()

	router.Use(middleware.RequestID())

	router.GET("/health", handlers.HealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		chats := v1.Group("/chats")
		{
			limited := chats.Group("", middleware.RateLimit(deps.RateLimiter))
			limited.POST("/stream", deps.Streaming.HandlePlainStream)
			limited.POST("/agent/stream", deps.Streaming.HandleAgentStream)

			chats.POST("", deps.Chats.CreateChat)
			chats.GET("", deps.Chats.ListChats)
			chats.DELETE("/:chatId", deps.Chats.DeleteChat)
			chats.POST("/:chatId/clear", deps.Chats.ClearChat)
			chats.GET("/:chatId/messages", deps.Chats.ListMessages)
			chats.POST("/:chatId/messages", deps.Chats.CreateMessage)
		}

		workspaces := v1.Group("/workspaces")
		{
			workspaces.POST("", deps.Chats.CreateWorkspace)
			workspaces.GET("", deps.Chats.ListWorkspaces)
		}
	}
}
