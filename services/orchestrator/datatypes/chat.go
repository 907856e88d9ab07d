// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the request, response, and domain types shared
// by the chat orchestrator packages.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTitleLength caps conversation titles in characters.
	MaxTitleLength = 200
)

// =============================================================================
// Validator Setup
// =============================================================================

// chatValidate is the package-level validator instance.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks that a string field fits in MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Streaming Requests
// =============================================================================

// ChatStreamRequest is the body accepted by both streaming endpoints.
//
// # Description
//
// Carries the target conversation and the new user message. The same shape
// serves plain mode (/v1/chats/stream) and search-augmented mode
// (/v1/chats/agent/stream).
//
// # Examples
//
//	req := ChatStreamRequest{ChatID: chatID, Message: "What changed in Go 1.25?"}
//	if err := req.Validate(); err != nil {
//	    return err
//	}
//
// # Limitations
//
//   - Message is limited to MaxMessageContentBytes
//
// # Assumptions
//
//   - ChatID refers to a conversation the caller owns; ownership is checked
//     by the handler, not by Validate
type ChatStreamRequest struct {
	ChatID  string `json:"chat_id" validate:"required,uuid"`
	Message string `json:"message" validate:"required,maxbytes"`
}

// Validate runs struct validation on the request.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Conversation CRUD
// =============================================================================

// CreateChatRequest is the body for POST /v1/chats.
type CreateChatRequest struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=128"`
	Title       string `json:"title" validate:"max=200"`
}

// Validate runs struct validation and fills the default title.
func (r *CreateChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	if r.Title == "" {
		r.Title = DefaultTitle
	}
	return nil
}

// CreateMessageRequest is the body for POST /v1/chats/:chatId/messages.
type CreateMessageRequest struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// Validate runs struct validation on the request.
func (r *CreateMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ChatResponse is the JSON view of a conversation.
type ChatResponse struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewChatResponse converts a Conversation into its JSON view.
func NewChatResponse(c Conversation) ChatResponse {
	return ChatResponse{
		ID:          c.ID,
		WorkspaceID: c.WorkspaceID,
		Title:       c.Title,
		CreatedAt:   c.CreatedAt,
	}
}

// MessageResponse is the JSON view of a persisted turn.
type MessageResponse struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessageResponse converts a Turn into its JSON view.
func NewMessageResponse(t Turn) MessageResponse {
	return MessageResponse{
		ID:        t.ID,
		ChatID:    t.ConversationID,
		Role:      t.Role,
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
	}
}

// ErrorResponse is the JSON body for pre-stream failures.
type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// generateUUID returns a new random identifier.
func generateUUID() string {
	return uuid.New().String()
}
