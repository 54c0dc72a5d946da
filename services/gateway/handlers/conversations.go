// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillworks/quill/services/gateway/assembler"
	"github.com/quillworks/quill/services/gateway/history"
)

// HandleConversationHistory returns the stored turn record for one
// conversation, with internal marker records stripped out.
//
// GET /v1/conversations/:conversationId/history
func HandleConversationHistory(turns history.TurnStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")

		record, err := turns.History(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			slog.Error("history read failed", "conversation_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read conversation"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"conversation_id": id,
			"messages":        assembler.StripMarkers(record),
		})
	}
}
