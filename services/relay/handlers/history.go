// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the handlers for the caller's own conversation
// history: paging, clearing, per-message delete and edit, and plain-text
// export.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/pipeline"
)

// UpdateMessageRequest is the wire shape of PATCH
// /v1/chat/history/messages/:id.
type UpdateMessageRequest struct {
	Body string `json:"body"`
}

// BatchDeleteMessagesRequest is the wire shape of POST
// /v1/chat/history/messages/delete.
type BatchDeleteMessagesRequest struct {
	IDs []string `json:"ids"`
}

// HandleGetHistory returns one page of the caller's bucket.
func HandleGetHistory(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		page := queryInt(c, "page", 1)
		pageSize := queryInt(c, "page_size", 50)

		msgs, total := p.GetHistory(c.Request.Context(), id.GroupKey(), page, pageSize)
		c.JSON(http.StatusOK, gin.H{
			"messages": msgs,
			"total":    total,
			"page":     page,
		})
	}
}

// HandleClearHistory tombstones the caller's bucket.
func HandleClearHistory(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		p.ClearHistory(c.Request.Context(), id.GroupKey())
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	}
}

// HandleDeleteMessage removes one message from the caller's bucket.
func HandleDeleteMessage(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		msgID := c.Param("id")

		if !p.DeleteMessage(c.Request.Context(), id.GroupKey(), msgID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

// HandleBatchDeleteMessages removes several messages at once.
func HandleBatchDeleteMessages(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BatchDeleteMessagesRequest
		if err := c.BindJSON(&req); err != nil {
			slog.Error("Failed to parse the batch delete request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if len(req.IDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no message ids provided"})
			return
		}

		id := middleware.GetIdentity(c)
		removed := p.DeleteMessages(c.Request.Context(), id.GroupKey(), req.IDs)
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}

// HandleUpdateMessage edits one message body in place.
func HandleUpdateMessage(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateMessageRequest
		if err := c.BindJSON(&req); err != nil {
			slog.Error("Failed to parse the update request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		id := middleware.GetIdentity(c)
		ok, err := p.UpdateMessage(c.Request.Context(), id.GroupKey(), c.Param("id"), req.Body)
		if err != nil {
			writePipelineError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

// HandleExportHistory returns the caller's bucket as a plain-text
// transcript download.
func HandleExportHistory(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		text := p.ExportHistoryText(c.Request.Context(), id.GroupKey())

		c.Header("Content-Disposition", `attachment; filename="conversation.txt"`)
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
	}
}

// queryInt parses an integer query parameter with a default.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
