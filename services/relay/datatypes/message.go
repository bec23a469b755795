// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the relay service.
//
// This file contains the conversation message model shared by the history
// cache, the persistent store adapter, and the message pipeline.
package datatypes

import (
	"time"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageBodyBytes is the maximum size of a single message body.
	// Checked at the request boundary to bound memory per message.
	MaxMessageBodyBytes = 32 * 1024 // 32KB

	// MaxKeyBytes is the maximum length of a session or owner key.
	MaxKeyBytes = 256
)

// =============================================================================
// Roles
// =============================================================================

const (
	// RoleUser marks a message authored by the end user.
	RoleUser = "user"

	// RoleAssistant marks a message authored by an upstream provider
	// (or by the degraded fallback path).
	RoleAssistant = "assistant"
)

// =============================================================================
// Message
// =============================================================================

// Message is one turn in a conversation.
//
// # Description
//
// A Message is immutable once persisted, with two sanctioned exceptions:
// an in-place body edit and the retry operation, both of which replace the
// body and timestamp while keeping the same ID. Assistant bodies are stored
// post-sanitization.
//
// # Fields
//
//   - ID: Opaque unique identifier (UUID v4). Ordering within a bucket is
//     insertion order, not ID order.
//   - Body: Text content.
//   - Role: "user" or "assistant".
//   - CreatedAt: Creation (or last replacement) time, serialized ISO-8601.
//   - SessionKey: Opaque session identifier. Always present.
//   - OwnerKey: Stronger authenticated identity. Optional; when present it
//     supersedes SessionKey for grouping and push addressing.
//
// # Thread Safety
//
// Message values are copied freely; the containing collections serialize
// mutation.
type Message struct {
	ID         string    `json:"id" validate:"required"`
	Body       string    `json:"body"`
	Role       string    `json:"role" validate:"required,oneof=user assistant"`
	CreatedAt  time.Time `json:"created_at"`
	SessionKey string    `json:"session_key" validate:"required,max=256"`
	OwnerKey   string    `json:"owner_key,omitempty" validate:"max=256"`
}

// GroupKey returns the key a message is bucketed under: the owner key when
// present, otherwise the session key.
func (m Message) GroupKey() string {
	if m.OwnerKey != "" {
		return m.OwnerKey
	}
	return m.SessionKey
}

// GroupKeyFor returns the grouping key for an (ownerKey, sessionKey) pair
// using the same precedence as Message.GroupKey.
func GroupKeyFor(ownerKey, sessionKey string) string {
	if ownerKey != "" {
		return ownerKey
	}
	return sessionKey
}
