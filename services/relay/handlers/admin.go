// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the administrative handlers: browsing and deleting
// any stored bucket, and managing the provider catalog. All routes here
// sit behind middleware.RequireAdmin.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/pipeline"
	"github.com/AleutianAI/AleutianRelay/services/relay/providers"
)

// BatchDeleteBucketsRequest is the wire shape of POST
// /v1/admin/buckets/delete.
type BatchDeleteBucketsRequest struct {
	Keys []string `json:"keys"`
}

// DeleteAllBucketsRequest is the wire shape of POST
// /v1/admin/buckets/delete-all.
type DeleteAllBucketsRequest struct {
	Confirm bool `json:"confirm"`
}

// HandleListBuckets pages through stored bucket summaries.
func HandleListBuckets(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := queryInt(c, "page", 1)
		pageSize := queryInt(c, "page_size", 20)
		includeDeleted := c.Query("include_deleted") == "true"

		buckets, total, err := p.ListBuckets(c.Request.Context(),
			c.Query("keyword"), page, pageSize, includeDeleted)
		if err != nil {
			slog.Error("Failed to list buckets", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"buckets": buckets,
			"total":   total,
			"page":    page,
		})
	}
}

// HandleGetBucketHistory returns one page of any bucket's persisted
// messages.
func HandleGetBucketHistory(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := queryInt(c, "page", 1)
		pageSize := queryInt(c, "page_size", 50)

		msgs, total := p.GetBucketHistory(c.Request.Context(), c.Param("key"), page, pageSize)
		c.JSON(http.StatusOK, gin.H{
			"messages": msgs,
			"total":    total,
			"page":     page,
		})
	}
}

// HandleDeleteBucket removes one bucket.
func HandleDeleteBucket(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		p.DeleteBucket(c.Request.Context(), c.Param("key"))
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

// HandleBatchDeleteBuckets removes several buckets at once.
func HandleBatchDeleteBuckets(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BatchDeleteBucketsRequest
		if err := c.BindJSON(&req); err != nil {
			slog.Error("Failed to parse the batch delete request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if len(req.Keys) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no bucket keys provided"})
			return
		}
		deleted := p.BatchDeleteBuckets(c.Request.Context(), req.Keys)
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

// HandleDeleteAllBuckets wipes everything. Refuses without the explicit
// confirmation flag in the body.
func HandleDeleteAllBuckets(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DeleteAllBucketsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		deleted, err := p.DeleteAllBuckets(c.Request.Context(), req.Confirm)
		if err != nil {
			if errors.Is(err, pipeline.ErrConfirmationRequired) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "set confirm: true to delete all buckets"})
				return
			}
			slog.Error("Delete-all failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

// =============================================================================
// Provider Catalog
// =============================================================================

// HandleListProviders returns every catalog record. Credentials are
// redacted to presence flags; the stored secret never leaves the server.
func HandleListProviders(catalog *providers.BadgerCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := catalog.LoadProviders(c.Request.Context())
		if err != nil {
			slog.Error("Failed to load provider catalog", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider catalog unavailable"})
			return
		}

		type providerView struct {
			Endpoint      string `json:"endpoint"`
			ModelID       string `json:"model_id"`
			Enabled       bool   `json:"enabled"`
			Weight        int    `json:"weight"`
			Group         string `json:"group,omitempty"`
			HasCredential bool   `json:"has_credential"`
		}
		views := make([]providerView, 0, len(records))
		for _, rec := range records {
			views = append(views, providerView{
				Endpoint:      rec.Endpoint,
				ModelID:       rec.ModelID,
				Enabled:       rec.Enabled,
				Weight:        rec.Weight,
				Group:         rec.Group,
				HasCredential: rec.Credential != "",
			})
		}
		c.JSON(http.StatusOK, gin.H{"providers": views})
	}
}

// HandlePutProvider upserts one catalog record.
func HandlePutProvider(catalog *providers.BadgerCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rec datatypes.Provider
		if err := c.BindJSON(&rec); err != nil {
			slog.Error("Failed to parse the provider record", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := catalog.Put(c.Request.Context(), rec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Provider record stored", "endpoint", rec.Endpoint, "model", rec.ModelID)
		c.JSON(http.StatusOK, gin.H{"status": "stored", "key": rec.Key()})
	}
}

// HandleDeleteProvider removes one catalog record by its key
// (endpoint|model), passed in the key query parameter.
func HandleDeleteProvider(catalog *providers.BadgerCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("key")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key query parameter required"})
			return
		}
		if err := catalog.Delete(c.Request.Context(), key); err != nil {
			slog.Error("Failed to delete provider record", "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
