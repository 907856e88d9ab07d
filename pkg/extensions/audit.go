// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records one security-relevant action.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "chat.answer",
//	    Timestamp:    time.Now(),
//	    UserID:       "user-123",
//	    Action:       "stream",
//	    ResourceType: "conversation",
//	    ResourceID:   chatID,
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"digest": digest},
//	}
type AuditEvent struct {
	// EventType categorizes the event ("chat.answer", "chat.delete").
	EventType string

	// Timestamp defaults to now when zero.
	Timestamp time.Time

	// UserID is the acting user.
	UserID string

	// Action is the verb ("stream", "create", "delete", "clear").
	Action string

	// ResourceType and ResourceID name the target.
	ResourceType string
	ResourceID   string

	// Outcome is "success", "failure", "cancelled" or "blocked".
	Outcome string

	// Metadata carries event-specific details. Never put message content here.
	Metadata map[string]any
}

// AuditLogger receives audit events.
//
// Log must not block the request path for long; implementations that ship
// events remotely should buffer and drain in Flush.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// Flush implements AuditLogger.
func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

// SlogAuditLogger writes events as structured log records.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates a logger-backed sink. A nil logger uses
// slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With("component", "audit")}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	attrs := []any{
		"eventType", event.EventType,
		"timestamp", event.Timestamp,
		"userId", event.UserID,
		"action", event.Action,
		"resourceType", event.ResourceType,
		"resourceId", event.ResourceID,
		"outcome", event.Outcome,
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "Audit event", attrs...)
	return nil
}

// Flush implements AuditLogger.
func (l *SlogAuditLogger) Flush(_ context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
