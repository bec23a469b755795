// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the websocket push subscription handler: the same
// registry fan-out as the SSE stream, for clients behind proxies that
// mishandle SSE.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// wsWriteTimeout bounds one websocket frame write.
const wsWriteTimeout = 10 * time.Second

// HandleSubscribeWebSocket streams push events over a websocket.
//
// # Description
//
// Subscribes the connection to the push registry and forwards events as
// JSON frames until the client disconnects or the registry evicts the
// connection. Inbound frames are read and discarded; this endpoint only
// pushes.
func HandleSubscribeWebSocket(registry *push.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

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
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many live connections"),
					time.Now().Add(wsWriteTimeout))
			}
			return
		}
		defer registry.Unsubscribe(sub.ID)
		slog.Debug("Websocket push client connected", "connection_id", sub.ID)

		// Reader goroutine: detect client disconnect, discard frames.
		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-events:
				_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := ws.WriteJSON(ev); err != nil {
					slog.Debug("Websocket write failed, closing",
						"connection_id", sub.ID, "error", err)
					return
				}
			case <-sub.Done():
				return
			case <-disconnected:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
