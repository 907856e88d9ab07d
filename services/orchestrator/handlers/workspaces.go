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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
)

// CreateWorkspace handles POST /v1/workspaces. Responds 201.
func (h *ChatHandler) CreateWorkspace(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "CreateWorkspace")
	defer span.End()

	userID, ok := h.caller(c)
	if !ok {
		return
	}

	var req datatypes.CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body", middleware.GetRequestID(c))
		return
	}
	if err := req.Validate(); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request: validation failed", middleware.GetRequestID(c))
		return
	}

	ws, err := h.store.CreateWorkspace(ctx, userID, req.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		h.storeFailure(c, "Failed to create workspace", "", err)
		return
	}

	slog.Info("Created workspace", "requestId", middleware.GetRequestID(c), "workspaceId", ws.ID)
	h.auditResource(ctx, "workspace", "workspace", userID, "create", ws.ID, c)
	c.JSON(http.StatusCreated, datatypes.NewWorkspaceResponse(ws))
}

// ListWorkspaces handles GET /v1/workspaces, oldest first.
func (h *ChatHandler) ListWorkspaces(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "ListWorkspaces")
	defer span.End()

	userID, ok := h.caller(c)
	if !ok {
		return
	}

	workspaces, err := h.store.ListWorkspaces(ctx, userID)
	if err != nil {
		span.RecordError(err)
		h.storeFailure(c, "Failed to list workspaces", "", err)
		return
	}

	out := make([]datatypes.WorkspaceResponse, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, datatypes.NewWorkspaceResponse(ws))
	}
	c.JSON(http.StatusOK, out)
}
