// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP handlers for the gateway API.
//
// Handlers bind and validate requests, delegate to the services package,
// and map service errors to HTTP status codes. No business logic lives
// here.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/registry"
	"github.com/quillworks/quill/services/gateway/services"
)

// HandleTurn runs one conversational turn.
//
// POST /v1/turn
//
// Error mapping:
//   - malformed body or failed validation: 400
//   - unknown model id: 404
//   - conversation already has a turn in flight: 409
//   - anything else: 500
//
// A provider outage is not an error: the response arrives with 200 and
// the degraded flag set.
func HandleTurn(svc *services.TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := svc.Run(c.Request.Context(), &req)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrUnknownModel):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, services.ErrConversationBusy):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				slog.Error("turn failed",
					"conversation_id", req.ConversationID,
					"request_id", req.RequestID,
					"error", err,
				)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "turn failed"})
			}
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}
