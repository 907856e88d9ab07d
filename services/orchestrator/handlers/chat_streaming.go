// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/pipeline"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Dependencies
// =============================================================================

// AnswerRunner runs one streamed answer. *pipeline.Pipeline satisfies it.
type AnswerRunner interface {
	Run(ctx context.Context, in pipeline.RunInput, out pipeline.FragmentWriter) (pipeline.RunResult, error)
}

// ConversationReader resolves an owned conversation.
type ConversationReader interface {
	GetConversation(ctx context.Context, conversationID, ownerID string) (datatypes.Conversation, error)
}

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler serves the two streaming answer endpoints.
//
// # Description
//
// Both endpoints accept datatypes.ChatStreamRequest and respond with raw
// text/plain fragments flushed as they are produced. Every failure that
// can be detected before the first fragment is a JSON error with a status
// code; once streaming has begun the status is 200 and failures arrive as
// a single in-band diagnostic fragment.
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid body or validation failure
//   - 401 Unauthorized: Missing caller identity
//   - 403 Forbidden: Authorization denied or message blocked
//   - 404 Not Found: Conversation missing or owned by someone else
//   - 500 Internal Server Error: Store failure before streaming
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type StreamingChatHandler interface {
	// HandlePlainStream serves POST /v1/chats/stream.
	HandlePlainStream(c *gin.Context)

	// HandleAgentStream serves POST /v1/chats/agent/stream.
	HandleAgentStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

type streamingChatHandler struct {
	runner        AnswerRunner
	conversations ConversationReader
	tracer        trace.Tracer
	opts          extensions.ServiceOptions
}

// NewStreamingChatHandler creates a StreamingChatHandler.
//
// # Inputs
//
//   - runner: Answer pipeline. Must not be nil.
//   - conversations: Ownership lookup. Must not be nil.
//   - opts: Extension options; nil fields are replaced with no-op defaults.
//
// # Outputs
//
//   - StreamingChatHandler: Ready for use with gin.
//
// # Examples
//
//	handler := handlers.NewStreamingChatHandler(p, store, opts)
//	v1.POST("/chats/stream", handler.HandlePlainStream)
//	v1.POST("/chats/agent/stream", handler.HandleAgentStream)
//
// # Limitations
//
//   - Panics on nil runner or conversations.
func NewStreamingChatHandler(
	runner AnswerRunner,
	conversations ConversationReader,
	opts extensions.ServiceOptions,
) StreamingChatHandler {
	if runner == nil {
		panic("NewStreamingChatHandler: runner must not be nil")
	}
	if conversations == nil {
		panic("NewStreamingChatHandler: conversations must not be nil")
	}
	return &streamingChatHandler{
		runner:        runner,
		conversations: conversations,
		tracer:        otel.Tracer("aleutian.chat.handlers.chat_streaming"),
		opts:          opts.Normalized(),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandlePlainStream answers from the conversation history.
func (h *streamingChatHandler) HandlePlainStream(c *gin.Context) {
	h.handleStream(c, pipeline.ModePlain)
}

// HandleAgentStream answers from live search context.
func (h *streamingChatHandler) HandleAgentStream(c *gin.Context) {
	h.handleStream(c, pipeline.ModeAgent)
}

// handleStream is the shared flow of both endpoints.
//
// # Description
//
//  1. Resolve the caller set by the auth middleware
//  2. Parse and validate the body
//  3. Authorize the send
//  4. Check conversation ownership (404 before streaming)
//  5. Run the pipeline with a lazily-started text writer
//  6. Map a pre-start pipeline error to a JSON status
func (h *streamingChatHandler) handleStream(c *gin.Context, mode pipeline.Mode) {
	endpoint := endpointFor(mode)
	requestID := middleware.GetRequestID(c)

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.mode", string(mode)),
		attribute.String("request.id", requestID),
	)

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		span.SetStatus(codes.Error, "unauthenticated")
		abortJSON(c, http.StatusUnauthorized, "unauthorized", requestID)
		return
	}
	span.SetAttributes(attribute.String("user.id", authInfo.UserID))

	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Warn("Failed to parse streaming chat request",
			"requestId", requestID,
			"error", err,
		)
		recordHandlerError(endpoint, observability.ErrorCodeValidation)
		abortJSON(c, http.StatusBadRequest, "invalid request body", requestID)
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("Streaming request validation failed",
			"requestId", requestID,
			"error", err,
		)
		recordHandlerError(endpoint, observability.ErrorCodeValidation)
		abortJSON(c, http.StatusBadRequest, "invalid request: validation failed", requestID)
		return
	}
	span.SetAttributes(attribute.String("chat.id", req.ChatID))

	if err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         authInfo,
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   req.ChatID,
	}); err != nil {
		span.SetStatus(codes.Error, "authorization denied")
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "authz.denied",
			Timestamp:    time.Now().UTC(),
			UserID:       authInfo.UserID,
			Action:       "send",
			ResourceType: "conversation",
			ResourceID:   req.ChatID,
			Outcome:      "denied",
			Metadata:     map[string]any{"requestId": requestID},
		})
		abortJSON(c, http.StatusForbidden, "access denied", requestID)
		return
	}

	conv, err := h.conversations.GetConversation(ctx, req.ChatID, authInfo.UserID)
	if err != nil {
		if errors.Is(err, datatypes.ErrNotFound) {
			recordHandlerError(endpoint, observability.ErrorCodeNotFound)
			abortJSON(c, http.StatusNotFound, "chat not found", requestID)
			return
		}
		span.RecordError(err)
		slog.Error("Failed to load conversation",
			"requestId", requestID,
			"chatId", req.ChatID,
			"error", err,
		)
		recordHandlerError(endpoint, observability.ErrorCodeStorage)
		abortJSON(c, http.StatusInternalServerError, sanitizeErrorForClient(err.Error()), requestID)
		return
	}

	writer, err := NewTextStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to create text stream writer", "requestId", requestID, "error", err)
		abortJSON(c, http.StatusInternalServerError, sanitizeErrorForClient(err.Error()), requestID)
		return
	}

	result, err := h.runner.Run(ctx, pipeline.RunInput{
		Mode:         mode,
		Conversation: conv,
		Message:      req.Message,
		RequestID:    requestID,
		UserID:       authInfo.UserID,
	}, writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer not started")
		if writer.Started() {
			return
		}
		if errors.Is(err, extensions.ErrMessageBlocked) {
			abortJSON(c, http.StatusForbidden, "message blocked by content policy", requestID)
			return
		}
		slog.Error("Answer pipeline failed before streaming",
			"requestId", requestID,
			"chatId", conv.ID,
			"error", err,
		)
		abortJSON(c, http.StatusInternalServerError, sanitizeErrorForClient(err.Error()), requestID)
		return
	}

	// An answer can legitimately produce no fragment (empty completion).
	if !writer.Started() && result.State != pipeline.StateCancelled {
		SetTextStreamHeaders(c.Writer)
		c.Status(http.StatusOK)
	}

	span.SetAttributes(
		attribute.String("chat.state", string(result.State)),
		attribute.Bool("chat.persisted", result.Persisted),
	)
}

// =============================================================================
// Helpers
// =============================================================================

func endpointFor(mode pipeline.Mode) observability.Endpoint {
	if mode == pipeline.ModeAgent {
		return observability.EndpointAgentStream
	}
	return observability.EndpointPlainStream
}

func recordHandlerError(endpoint observability.Endpoint, code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, code)
	}
}

// abortJSON ends the request with a JSON error body.
func abortJSON(c *gin.Context, status int, message, requestID string) {
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{
		Error:     message,
		RequestID: requestID,
	})
}

// sanitizeErrorForClient removes internal details from error messages.
//
// # Description
//
// Store paths, upstream URLs, and keys must never reach a client. The raw
// message is logged at debug level and a generic text is returned.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}
