// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the SSE push subscription handler. The registry
// calls sinks under its lock, so the sink here only does a non-blocking
// send into a buffered channel; the handler goroutine drains the channel
// onto the wire.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
)

// sseKeepAliveInterval is how often an idle stream emits a comment line.
const sseKeepAliveInterval = 15 * time.Second

// sseSinkBuffer bounds the per-connection event queue. A client that
// falls this far behind is dropped by the registry.
const sseSinkBuffer = 16

// errSinkFull marks a client that cannot keep up with event delivery.
var errSinkFull = errors.New("push sink buffer full")

// HandleSubscribe streams push events to the client over SSE.
//
// # Description
//
// Subscribes the caller to the push registry and forwards events until
// the client disconnects, the registry evicts the connection, or a write
// fails. Keepalive comments flow every 15 seconds so intermediaries do
// not cut the idle stream.
func HandleSubscribe(registry *push.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		events := make(chan push.Event, sseSinkBuffer)
		sink := func(ev push.Event) error {
			select {
			case events <- ev:
				return nil
			default:
				return errSinkFull
			}
		}

		sub, err := registry.Subscribe(id.OwnerKey, id.SessionKey, sink)
		if err != nil {
			if errors.Is(err, push.ErrRegistryFull) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many live connections"})
				return
			}
			slog.Error("Push subscribe failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		defer registry.Unsubscribe(sub.ID)

		keepalive := time.NewTicker(sseKeepAliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case ev := <-events:
				if err := writer.WriteEvent(ev); err != nil {
					slog.Debug("SSE write failed, closing stream",
						"connection_id", sub.ID, "error", err)
					return
				}
			case <-keepalive.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case <-sub.Done():
				// Evicted by the registry (capacity, idle, or send
				// failure); drain nothing further.
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
