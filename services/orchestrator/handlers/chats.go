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
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
)

// ChatStore is the subset of the conversation store used by the CRUD routes.
type ChatStore interface {
	ConversationReader
	CreateConversation(ctx context.Context, ownerID, workspaceID, title string) (datatypes.Conversation, error)
	ListConversations(ctx context.Context, ownerID, workspaceID string) ([]datatypes.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	AppendTurn(ctx context.Context, conversationID string, role datatypes.Role, content string) (datatypes.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]datatypes.Turn, error)
	ClearTurns(ctx context.Context, conversationID string) error
	CreateWorkspace(ctx context.Context, ownerID, name string) (datatypes.Workspace, error)
	GetWorkspace(ctx context.Context, workspaceID, ownerID string) (datatypes.Workspace, error)
	ListWorkspaces(ctx context.Context, ownerID string) ([]datatypes.Workspace, error)
}

// ChatHandler serves workspace, conversation, and message management.
//
// # Description
//
// Every route that names a workspace or a conversation checks ownership
// first and answers 404 when it is missing or belongs to someone else.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type ChatHandler struct {
	store ChatStore
	opts  extensions.ServiceOptions
}

// NewChatHandler creates a ChatHandler. Panics on nil store.
func NewChatHandler(store ChatStore, opts extensions.ServiceOptions) *ChatHandler {
	if store == nil {
		panic("NewChatHandler: store must not be nil")
	}
	return &ChatHandler{store: store, opts: opts.Normalized()}
}

// CreateChat handles POST /v1/chats.
//
// Responds 201 with the new conversation, or 404 when the caller does not
// own the workspace. An empty title becomes datatypes.DefaultTitle so the
// first message can auto-rename it.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "CreateChat")
	defer span.End()

	userID, ok := h.caller(c)
	if !ok {
		return
	}

	var req datatypes.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body", middleware.GetRequestID(c))
		return
	}
	if err := req.Validate(); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request: validation failed", middleware.GetRequestID(c))
		return
	}

	if !h.ownedWorkspace(ctx, c, userID, req.WorkspaceID) {
		return
	}

	conv, err := h.store.CreateConversation(ctx, userID, req.WorkspaceID, req.Title)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		h.storeFailure(c, "Failed to create conversation", "", err)
		return
	}

	h.audit(ctx, userID, "create", conv.ID, c)
	c.JSON(http.StatusCreated, datatypes.NewChatResponse(conv))
}

// ListChats handles GET /v1/chats?workspace_id=.
//
// Returns the caller's conversations newest first. Without workspace_id
// every workspace is listed; a workspace the caller does not own is 404.
func (h *ChatHandler) ListChats(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "ListChats")
	defer span.End()

	userID, ok := h.caller(c)
	if !ok {
		return
	}

	workspaceID := c.Query("workspace_id")
	if workspaceID != "" && !h.ownedWorkspace(ctx, c, userID, workspaceID) {
		return
	}

	convs, err := h.store.ListConversations(ctx, userID, workspaceID)
	if err != nil {
		span.RecordError(err)
		h.storeFailure(c, "Failed to list conversations", "", err)
		return
	}

	out := make([]datatypes.ChatResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, datatypes.NewChatResponse(conv))
	}
	c.JSON(http.StatusOK, out)
}

// DeleteChat handles DELETE /v1/chats/:chatId. Responds 204.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "DeleteChat")
	defer span.End()

	userID, conv, ok := h.ownedConversation(ctx, c)
	if !ok {
		return
	}

	if err := h.store.DeleteConversation(ctx, conv.ID); err != nil {
		span.RecordError(err)
		h.storeFailure(c, "Failed to delete conversation", conv.ID, err)
		return
	}

	slog.Info("Deleted conversation", "requestId", middleware.GetRequestID(c), "chatId", conv.ID)
	h.audit(ctx, userID, "delete", conv.ID, c)
	c.Status(http.StatusNoContent)
}

// ClearChat handles POST /v1/chats/:chatId/clear.
//
// Removes every turn and keeps the conversation and its title.
func (h *ChatHandler) ClearChat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "ClearChat")
	defer span.End()

	userID, conv, ok := h.ownedConversation(ctx, c)
	if !ok {
		return
	}

	if err := h.store.ClearTurns(ctx, conv.ID); err != nil {
		span.RecordError(err)
		h.storeFailure(c, "Failed to clear conversation", conv.ID, err)
		return
	}

	h.audit(ctx, userID, "clear", conv.ID, c)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// ListMessages handles GET /v1/chats/:chatId/messages, oldest first.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "ListMessages")
	defer span.End()

	_, conv, ok := h.ownedConversation(ctx, c)
	if !ok {
		return
	}

	turns, err := h.store.ListTurns(ctx, conv.ID)
	if err != nil {
		span.RecordError(err)
		h.storeFailure(c, "Failed to list messages", conv.ID, err)
		return
	}

	out := make([]datatypes.MessageResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, datatypes.NewMessageResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

// CreateMessage handles POST /v1/chats/:chatId/messages.
//
// Appends a turn without invoking the model, for clients that import
// history. Responds 201 with the stored turn.
func (h *ChatHandler) CreateMessage(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "CreateMessage")
	defer span.End()

	_, conv, ok := h.ownedConversation(ctx, c)
	if !ok {
		return
	}

	var req datatypes.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body", middleware.GetRequestID(c))
		return
	}
	if err := req.Validate(); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request: validation failed", middleware.GetRequestID(c))
		return
	}

	turn, err := h.store.AppendTurn(ctx, conv.ID, req.Role, req.Content)
	if err != nil {
		span.RecordError(err)
		h.storeFailure(c, "Failed to append message", conv.ID, err)
		return
	}
	c.JSON(http.StatusCreated, datatypes.NewMessageResponse(turn))
}

// =============================================================================
// Helpers
// =============================================================================

// caller returns the authenticated user id or aborts with 401.
func (h *ChatHandler) caller(c *gin.Context) (string, bool) {
	info := middleware.GetAuthInfo(c)
	if info == nil || info.UserID == "" {
		abortJSON(c, http.StatusUnauthorized, "unauthorized", middleware.GetRequestID(c))
		return "", false
	}
	return info.UserID, true
}

// ownedConversation resolves :chatId for the caller or aborts.
func (h *ChatHandler) ownedConversation(ctx context.Context, c *gin.Context) (string, datatypes.Conversation, bool) {
	userID, ok := h.caller(c)
	if !ok {
		return "", datatypes.Conversation{}, false
	}

	chatID := c.Param("chatId")
	if _, err := uuid.Parse(chatID); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid chat id", middleware.GetRequestID(c))
		return "", datatypes.Conversation{}, false
	}

	conv, err := h.store.GetConversation(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, datatypes.ErrNotFound) {
			abortJSON(c, http.StatusNotFound, "chat not found", middleware.GetRequestID(c))
			return "", datatypes.Conversation{}, false
		}
		h.storeFailure(c, "Failed to load conversation", chatID, err)
		return "", datatypes.Conversation{}, false
	}
	return userID, conv, true
}

// ownedWorkspace reports whether userID owns workspaceID, aborting with 404
// when it does not.
func (h *ChatHandler) ownedWorkspace(ctx context.Context, c *gin.Context, userID, workspaceID string) bool {
	_, err := h.store.GetWorkspace(ctx, workspaceID, userID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, datatypes.ErrWorkspaceNotFound):
		abortJSON(c, http.StatusNotFound, "workspace not found", middleware.GetRequestID(c))
	default:
		h.storeFailure(c, "Failed to load workspace", "", err)
	}
	return false
}

func (h *ChatHandler) storeFailure(c *gin.Context, msg, chatID string, err error) {
	slog.Error(msg,
		"requestId", middleware.GetRequestID(c),
		"chatId", chatID,
		"error", err,
	)
	abortJSON(c, http.StatusInternalServerError, sanitizeErrorForClient(err.Error()), middleware.GetRequestID(c))
}

func (h *ChatHandler) audit(ctx context.Context, userID, action, chatID string, c *gin.Context) {
	h.auditResource(ctx, "chat", "conversation", userID, action, chatID, c)
}

func (h *ChatHandler) auditResource(ctx context.Context, prefix, resourceType, userID, action, resourceID string, c *gin.Context) {
	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    prefix + "." + action,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      "success",
		Metadata:     map[string]any{"requestId": middleware.GetRequestID(c)},
	})
}
