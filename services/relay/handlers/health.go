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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/history"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
)

// HandleHealth reports liveness plus degraded-durability mode. The
// service answers 200 even without a store; durability is best-effort by
// contract.
func HandleHealth(store *history.Store, registry *push.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		storeState := "available"
		if !store.Available() {
			storeState = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"store":            storeState,
			"push_connections": registry.Len(),
		})
	}
}
