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
	"strings"
	"testing"
)

// =============================================================================
// ChatStreamRequest Validation Tests
// =============================================================================

func TestChatStreamRequest_Validate_Success(t *testing.T) {
	req := &ChatStreamRequest{
		ChatID:  "550e8400-e29b-41d4-a716-446655440000",
		Message: "Hello",
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestChatStreamRequest_Validate_MissingChatID(t *testing.T) {
	req := &ChatStreamRequest{Message: "Hello"}

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing chat_id, got nil")
	}
}

func TestChatStreamRequest_Validate_InvalidChatID(t *testing.T) {
	req := &ChatStreamRequest{ChatID: "not-a-uuid", Message: "Hello"}

	if err := req.Validate(); err == nil {
		t.Error("expected error for invalid chat_id, got nil")
	}
}

func TestChatStreamRequest_Validate_EmptyMessage(t *testing.T) {
	req := &ChatStreamRequest{ChatID: "550e8400-e29b-41d4-a716-446655440000"}

	if err := req.Validate(); err == nil {
		t.Error("expected error for empty message, got nil")
	}
}

func TestChatStreamRequest_Validate_MessageTooLarge(t *testing.T) {
	req := &ChatStreamRequest{
		ChatID:  "550e8400-e29b-41d4-a716-446655440000",
		Message: strings.Repeat("a", MaxMessageContentBytes+1),
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized message, got nil")
	}
}

func TestChatStreamRequest_Validate_MessageAtLimit(t *testing.T) {
	req := &ChatStreamRequest{
		ChatID:  "550e8400-e29b-41d4-a716-446655440000",
		Message: strings.Repeat("a", MaxMessageContentBytes),
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected message at limit to be valid, got: %v", err)
	}
}

// =============================================================================
// CRUD Request Validation Tests
// =============================================================================

func TestCreateChatRequest_Validate_DefaultsTitle(t *testing.T) {
	req := &CreateChatRequest{WorkspaceID: "ws-1"}

	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
	if req.Title != DefaultTitle {
		t.Errorf("expected title %q, got %q", DefaultTitle, req.Title)
	}
}

func TestCreateChatRequest_Validate_MissingWorkspace(t *testing.T) {
	req := &CreateChatRequest{Title: "Trip planning"}

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing workspace_id, got nil")
	}
}

func TestCreateMessageRequest_Validate_InvalidRole(t *testing.T) {
	req := &CreateMessageRequest{Role: "system", Content: "hi"}

	if err := req.Validate(); err == nil {
		t.Error("expected error for role outside user/assistant, got nil")
	}
}

func TestCreateMessageRequest_Validate_Success(t *testing.T) {
	req := &CreateMessageRequest{Role: RoleAssistant, Content: "hi"}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

// =============================================================================
// Domain Type Tests
// =============================================================================

func TestNewConversation_EmptyTitleUsesDefault(t *testing.T) {
	c := NewConversation("user-1", "ws-1", "")

	if c.Title != DefaultTitle {
		t.Errorf("expected title %q, got %q", DefaultTitle, c.Title)
	}
	if !c.NeedsTitle() {
		t.Error("expected placeholder-titled conversation to need a title")
	}
	if c.ID == "" {
		t.Error("expected generated id")
	}
}

func TestConversation_NeedsTitle_CustomTitle(t *testing.T) {
	c := NewConversation("user-1", "ws-1", "Budget review")

	if c.NeedsTitle() {
		t.Error("expected custom-titled conversation not to need a title")
	}
}

func TestRole_Valid(t *testing.T) {
	cases := map[Role]bool{
		RoleUser:      true,
		RoleAssistant: true,
		"system":      false,
		"":            false,
	}
	for role, want := range cases {
		if got := role.Valid(); got != want {
			t.Errorf("Role(%q).Valid() = %v, want %v", role, got, want)
		}
	}
}

func TestNewMessageResponse_CopiesFields(t *testing.T) {
	turn := NewTurn("chat-1", RoleUser, "hello")
	resp := NewMessageResponse(turn)

	if resp.ID != turn.ID || resp.ChatID != "chat-1" || resp.Content != "hello" || resp.Role != RoleUser {
		t.Errorf("unexpected response: %+v", resp)
	}
}

// =============================================================================
// Workspace Tests
// =============================================================================

func TestCreateWorkspaceRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		wsName  string
		wantErr bool
	}{
		{"valid", "Research", false},
		{"empty", "", true},
		{"at limit", strings.Repeat("w", MaxWorkspaceNameLength), false},
		{"too long", strings.Repeat("w", MaxWorkspaceNameLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &CreateWorkspaceRequest{Name: tt.wsName}
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewWorkspaceResponse_CopiesFields(t *testing.T) {
	ws := NewWorkspace("alice", "Research")

	resp := NewWorkspaceResponse(ws)

	if resp.ID != ws.ID || resp.UserID != "alice" || resp.Name != "Research" || !resp.CreatedAt.Equal(ws.CreatedAt) {
		t.Errorf("unexpected response %+v for workspace %+v", resp, ws)
	}
	if ws.ID == NewWorkspace("alice", "Research").ID {
		t.Error("workspace ids must be unique")
	}
}
