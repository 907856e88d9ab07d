// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"time"
)

// DefaultTitle is the placeholder title a conversation carries until it is
// auto-renamed from its first message.
const DefaultTitle = "New Chat"

// ErrNotFound is returned by stores when a conversation does not exist or is
// not owned by the caller. Callers cannot tell the two cases apart.
var ErrNotFound = errors.New("conversation not found")

// Role identifies who authored a turn.
type Role string

const (
	// RoleUser marks a turn written by the human.
	RoleUser Role = "user"

	// RoleAssistant marks a turn produced by the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one persisted message in a conversation.
//
// Turns are immutable once written and only ever appended. Ordering is by
// CreatedAt with Seq as the tie-breaker; Seq is assigned by the store and is
// strictly increasing within a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Seq            uint64    `json:"seq"`
}

// NewTurn builds an unsaved turn with a fresh id and timestamp.
func NewTurn(conversationID string, role Role, content string) Turn {
	return Turn{
		ID:             generateUUID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// Conversation is an ordered sequence of turns owned by one user.
type Conversation struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewConversation builds an unsaved conversation. An empty title becomes
// DefaultTitle.
func NewConversation(ownerID, workspaceID, title string) Conversation {
	if title == "" {
		title = DefaultTitle
	}
	return Conversation{
		ID:          generateUUID(),
		OwnerID:     ownerID,
		WorkspaceID: workspaceID,
		Title:       title,
		CreatedAt:   time.Now().UTC(),
	}
}

// NeedsTitle reports whether the conversation still carries the placeholder
// title and is eligible for auto-rename.
func (c Conversation) NeedsTitle() bool {
	return c.Title == DefaultTitle
}
