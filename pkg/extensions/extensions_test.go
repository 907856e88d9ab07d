// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
	if _, ok := opts.MessageFilter.(*NopMessageFilter); !ok {
		t.Error("DefaultOptions().MessageFilter should be *NopMessageFilter")
	}
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	auth := &StaticTokenAuthProvider{}
	audit := NewSlogAuditLogger(nil)

	opts := DefaultOptions().WithAuth(auth).WithAudit(audit)

	if opts.AuthProvider != auth {
		t.Error("WithAuth did not replace the provider")
	}
	if opts.AuditLogger != audit {
		t.Error("WithAudit did not replace the logger")
	}
	if _, ok := opts.MessageFilter.(*NopMessageFilter); !ok {
		t.Error("unrelated fields should keep their defaults")
	}
}

func TestServiceOptions_WithDoesNotMutateOriginal(t *testing.T) {
	original := DefaultOptions()
	_ = original.WithFilter(nil).WithAuthz(nil)

	if original.MessageFilter == nil || original.AuthzProvider == nil {
		t.Error("With* must return a copy")
	}
}

func TestServiceOptions_Normalized(t *testing.T) {
	opts := ServiceOptions{}.Normalized()

	if opts.AuthProvider == nil || opts.AuthzProvider == nil || opts.AuditLogger == nil || opts.MessageFilter == nil {
		t.Errorf("Normalized left a nil field: %+v", opts)
	}
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{UserID: "u", Roles: []string{"user", "admin"}}

	if !info.HasRole("admin") {
		t.Error("expected admin role")
	}
	if info.HasRole("auditor") {
		t.Error("unexpected auditor role")
	}

	var nilInfo *AuthInfo
	if nilInfo.HasRole("admin") {
		t.Error("nil AuthInfo has no roles")
	}
}

func TestNopAuthProvider_Validate(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.UserID != "local-user" {
		t.Errorf("UserID = %q, want local-user", info.UserID)
	}
}

func TestNopAuthzProvider_Authorize(t *testing.T) {
	err := (&NopAuthzProvider{}).Authorize(context.Background(), AuthzRequest{Action: "stream"})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStaticTokenAuthProvider(t *testing.T) {
	p, err := NewStaticTokenAuthProvider(map[string]string{"tok-alice": "alice", "tok-bob": "bob"})
	if err != nil {
		t.Fatalf("NewStaticTokenAuthProvider: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{"alice", "tok-alice", "alice", false},
		{"bob", "tok-bob", "bob", false},
		{"unknown", "tok-eve", "", true},
		{"empty", "", "", true},
		{"prefix of valid", "tok-ali", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("err = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.UserID != tt.wantID {
				t.Errorf("UserID = %q, want %q", info.UserID, tt.wantID)
			}
		})
	}
}

func TestNewStaticTokenAuthProvider_RejectsBadTables(t *testing.T) {
	if _, err := NewStaticTokenAuthProvider(nil); err == nil {
		t.Error("expected error for empty table")
	}
	if _, err := NewStaticTokenAuthProvider(map[string]string{"tok": ""}); err == nil {
		t.Error("expected error for empty user id")
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}

	if err := l.Log(context.Background(), AuditEvent{}); err != nil {
		t.Errorf("Log: %v", err)
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestSlogAuditLogger_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	l := NewSlogAuditLogger(logger)

	err := l.Log(context.Background(), AuditEvent{
		EventType:    "chat.answer",
		Timestamp:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UserID:       "alice",
		Action:       "stream",
		ResourceType: "conversation",
		ResourceID:   "c-1",
		Outcome:      "success",
		Metadata:     map[string]any{"mode": "agent"},
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"eventType":"chat.answer"`, `"userId":"alice"`, `"outcome":"success"`, `"mode":"agent"`, `"component":"audit"`} {
		if !strings.Contains(out, want) {
			t.Errorf("record %s missing %s", out, want)
		}
	}
}

// ============================================================================
// Filter Tests
// ============================================================================

func TestNopMessageFilter(t *testing.T) {
	f := &NopMessageFilter{}

	in, err := f.FilterInput(context.Background(), "hello")
	if err != nil || in.Filtered != "hello" || in.WasBlocked || in.WasModified {
		t.Errorf("FilterInput = %+v, %v", in, err)
	}

	ctxRes, err := f.FilterContext(context.Background(), "block")
	if err != nil || ctxRes.Filtered != "block" || ctxRes.WasBlocked {
		t.Errorf("FilterContext = %+v, %v", ctxRes, err)
	}
}

func TestErrMessageBlocked(t *testing.T) {
	wrapped := errors.Join(errors.New("secret detected"), ErrMessageBlocked)

	if !errors.Is(wrapped, ErrMessageBlocked) {
		t.Error("ErrMessageBlocked should survive wrapping")
	}
}
