// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when authentication or authorization fails.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity attached to a request after authentication.
//
// UserID is always populated and owns every conversation the user creates.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	UserID string

	// Email may be empty.
	Email string

	// Roles drive authorization decisions ("admin", "user").
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates a bearer token.
//
// Implementations must return an error wrapping ErrUnauthorized for unknown
// or expired tokens.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an action on a resource.
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider decides whether an authenticated user may act.
//
// Ownership of conversations is enforced by the store; AuthzProvider adds
// policy on top (e.g. read-only users).
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// =============================================================================
// Nop Implementations
// =============================================================================

// NopAuthProvider accepts every token as the single local user.
//
// Use for single-user local deployments only.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always succeeds.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// =============================================================================
// Static Token Provider
// =============================================================================

// StaticTokenAuthProvider validates tokens against a fixed table.
//
// # Description
//
// The table maps token to user id and is typically loaded from
// configuration. Tokens are compared by SHA-256 digest in constant time.
//
// # Thread Safety
//
// Safe for concurrent use; the table is read-only after construction.
type StaticTokenAuthProvider struct {
	entries []tokenEntry
}

type tokenEntry struct {
	digest [sha256.Size]byte
	userID string
}

// NewStaticTokenAuthProvider builds a provider from token → user id.
//
// # Outputs
//
//   - error: Non-nil if the table is empty or has an empty token or user.
func NewStaticTokenAuthProvider(tokens map[string]string) (*StaticTokenAuthProvider, error) {
	if len(tokens) == 0 {
		return nil, errors.New("token table is empty")
	}
	p := &StaticTokenAuthProvider{entries: make([]tokenEntry, 0, len(tokens))}
	for token, userID := range tokens {
		if token == "" || userID == "" {
			return nil, errors.New("token table has an empty token or user id")
		}
		p.entries = append(p.entries, tokenEntry{digest: sha256.Sum256([]byte(token)), userID: userID})
	}
	return p, nil
}

// Validate implements AuthProvider.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(token))

	userID := ""
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			userID = e.userID
		}
	}
	if userID == "" {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: userID, Roles: []string{"user"}}, nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
