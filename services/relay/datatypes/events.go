// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the typed events delivered over push connections.
package datatypes

// =============================================================================
// Push Event Types
// =============================================================================

const (
	// EventConnected is emitted once when a push subscription is accepted.
	EventConnected = "connected"

	// EventMessageCompleted is emitted when a send turn reaches a terminal
	// state (Succeeded or Degraded).
	EventMessageCompleted = "message_completed"

	// EventRetryCompleted is emitted when a retry turn reaches a terminal
	// state.
	EventRetryCompleted = "retry_completed"
)

// CompletionEvent is the payload of completion push events.
//
// Push payloads carry the message ID and reply length rather than the full
// content to keep them small; clients fetch the body over the history API.
type CompletionEvent struct {
	// MessageID identifies the assistant message that finished (or, for an
	// identity-query short circuit, the user message whose turn completed).
	MessageID string `json:"messageId"`

	// HasResponse is true when the turn produced a non-empty reply.
	HasResponse bool `json:"hasResponse"`

	// ResponseLength is the rune length of the reply body.
	ResponseLength int `json:"responseLength"`

	// IsFallback is true when the reply is the static degraded text
	// produced after every provider failed.
	IsFallback bool `json:"isFallback,omitempty"`
}
