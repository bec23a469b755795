// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers for the relay HTTP surface.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/pipeline"
)

var chatTracer = otel.Tracer("aleutian.relay.handlers")

// SendRequest is the wire shape of POST /v1/chat/send.
type SendRequest struct {
	Message     string `json:"message"`
	VerifyToken string `json:"verify_token,omitempty"`
}

// RetryRequest is the wire shape of POST /v1/chat/retry.
type RetryRequest struct {
	MessageID   string `json:"message_id"`
	VerifyToken string `json:"verify_token,omitempty"`
}

// HandleSend runs one chat turn through the pipeline.
func HandleSend(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleSend")
		defer span.End()

		var req SendRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the send request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		id := middleware.GetIdentity(c)
		reply, err := p.Send(ctx, pipeline.SendRequest{
			SessionKey:  id.SessionKey,
			OwnerKey:    id.OwnerKey,
			Roles:       id.Roles,
			Body:        req.Message,
			VerifyToken: req.VerifyToken,
		})
		if err != nil {
			span.RecordError(err)
			writePipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reply": reply})
	}
}

// HandleRetry regenerates an assistant message in place.
func HandleRetry(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleRetry")
		defer span.End()

		var req RetryRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the retry request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.MessageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
			return
		}

		id := middleware.GetIdentity(c)
		reply, err := p.Retry(ctx, pipeline.RetryRequest{
			SessionKey:  id.SessionKey,
			OwnerKey:    id.OwnerKey,
			Roles:       id.Roles,
			MessageID:   req.MessageID,
			VerifyToken: req.VerifyToken,
		})
		if err != nil {
			span.RecordError(err)
			writePipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reply": reply})
	}
}

// writePipelineError maps pipeline sentinel errors to HTTP statuses.
// Anything unrecognized is reported as a 500 with a generic message so
// internal detail never reaches the client.
func writePipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrVerificationRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "verification token required"})
	case errors.Is(err, pipeline.ErrVerificationFailed):
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
	case errors.Is(err, pipeline.ErrVerificationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification service unavailable"})
	case errors.Is(err, pipeline.ErrEmptyBody):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty"})
	case errors.Is(err, pipeline.ErrBodyTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
	default:
		slog.Error("Unexpected pipeline error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
