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

// MaxWorkspaceNameLength caps workspace names in characters.
const MaxWorkspaceNameLength = 128

// ErrWorkspaceNotFound is returned when a workspace does not exist or is not
// owned by the caller.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Workspace groups a user's conversations.
//
// A workspace belongs to exactly one owner. Conversations can only be
// created in, and listed from, workspaces the caller owns.
type Workspace struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewWorkspace builds an unsaved workspace with a fresh id.
func NewWorkspace(ownerID, name string) Workspace {
	return Workspace{
		ID:        generateUUID(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// CreateWorkspaceRequest is the body for POST /v1/workspaces.
type CreateWorkspaceRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

// Validate runs struct validation on the request.
func (r *CreateWorkspaceRequest) Validate() error {
	return chatValidate.Struct(r)
}

// WorkspaceResponse is the JSON view of a workspace.
type WorkspaceResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewWorkspaceResponse converts a Workspace into its JSON view.
func NewWorkspaceResponse(w Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:        w.ID,
		UserID:    w.OwnerID,
		Name:      w.Name,
		CreatedAt: w.CreatedAt,
	}
}
