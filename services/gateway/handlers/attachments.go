// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quillworks/quill/services/gateway/extract"
	"github.com/quillworks/quill/services/gateway/history"
)

// MaxAttachmentBytes caps one uploaded artifact. Matches the extraction
// tree budget so a single upload can never exceed what extraction would
// process anyway.
const MaxAttachmentBytes = extract.MaxTreeBytes

// HandleAttachmentUpload stores one uploaded artifact for later turns.
//
// POST /v1/attachments (multipart form, field "file")
//
// The artifact is stored raw; extraction happens when a turn references
// it, so vision-capable models are available for image content.
func HandleAttachmentUpload(store history.AttachmentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
			return
		}
		if file.Size > MaxAttachmentBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "attachment exceeds size limit",
			})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, MaxAttachmentBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}
		if int64(len(data)) > MaxAttachmentBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "attachment exceeds size limit",
			})
			return
		}

		att := history.Attachment{
			ID:         uuid.NewString(),
			Name:       filepath.Base(file.Filename),
			Data:       data,
			UploadedAt: time.Now().UnixMilli(),
		}
		if err := store.Put(c.Request.Context(), att); err != nil {
			slog.Error("attachment store failed", "name", att.Name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store attachment"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"attachment_id": att.ID,
			"name":          att.Name,
			"size":          len(data),
		})
	}
}

// HandleAttachmentDelete removes a stored artifact.
//
// DELETE /v1/attachments/:attachmentId
func HandleAttachmentDelete(store history.AttachmentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("attachmentId")
		if _, err := store.Get(c.Request.Context(), id); err != nil {
			if errors.Is(err, history.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if err := store.Delete(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
