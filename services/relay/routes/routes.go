// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/history"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/pipeline"
	"github.com/AleutianAI/AleutianRelay/services/relay/providers"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
)

// Deps carries everything the route table wires together.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Store    *history.Store
	Registry *push.Registry

	// Catalog may be nil when the provider catalog is file-managed; the
	// admin provider routes are then not registered.
	Catalog *providers.BadgerCatalog

	AuthProvider extensions.AuthProvider
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HandleHealth(deps.Store, deps.Registry))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware(deps.AuthProvider))
	{
		chat := v1.Group("/chat")
		{
			chat.POST("/send", handlers.HandleSend(deps.Pipeline))
			chat.POST("/retry", handlers.HandleRetry(deps.Pipeline))
			chat.GET("/subscribe", handlers.HandleSubscribe(deps.Registry))
			chat.GET("/ws", handlers.HandleSubscribeWebSocket(deps.Registry))
			chat.GET("/export", handlers.HandleExportHistory(deps.Pipeline))

			chat.GET("/history", handlers.HandleGetHistory(deps.Pipeline))
			chat.DELETE("/history", handlers.HandleClearHistory(deps.Pipeline))
			chat.DELETE("/history/messages/:id", handlers.HandleDeleteMessage(deps.Pipeline))
			chat.PATCH("/history/messages/:id", handlers.HandleUpdateMessage(deps.Pipeline))
			chat.POST("/history/messages/delete", handlers.HandleBatchDeleteMessages(deps.Pipeline))
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireAdmin())
		{
			admin.GET("/buckets", handlers.HandleListBuckets(deps.Pipeline))
			admin.GET("/buckets/:key/history", handlers.HandleGetBucketHistory(deps.Pipeline))
			admin.DELETE("/buckets/:key", handlers.HandleDeleteBucket(deps.Pipeline))
			admin.POST("/buckets/delete", handlers.HandleBatchDeleteBuckets(deps.Pipeline))
			admin.POST("/buckets/delete-all", handlers.HandleDeleteAllBuckets(deps.Pipeline))

			if deps.Catalog != nil {
				admin.GET("/providers", handlers.HandleListProviders(deps.Catalog))
				admin.PUT("/providers", handlers.HandlePutProvider(deps.Catalog))
				admin.DELETE("/providers", handlers.HandleDeleteProvider(deps.Catalog))
			}
		}
	}
}
