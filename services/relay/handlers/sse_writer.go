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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/relay/push"
)

// =============================================================================
// SSE Writer
// =============================================================================

// ssePushEvent is the wire shape of one push event on the SSE stream.
//
// Each event carries an ID, a creation timestamp, and a hash chained to
// the previous event so clients can verify nothing was dropped or
// reordered in transit.
type ssePushEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// SSEWriter writes push events to an SSE response with a per-stream
// hash chain.
//
// # Thread Safety
//
// Thread-safe via mutex; the delivery goroutine and the keepalive ticker
// may write concurrently.
type SSEWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps the ResponseWriter. The caller must set SSE headers
// first via SetSSEHeaders. Returns an error when the writer cannot
// flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &SSEWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent serializes one push event in SSE format
// (event: type\ndata: json\n\n) and flushes immediately.
func (w *SSEWriter) WriteEvent(ev push.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	out := ssePushEvent{
		ID:        uuid.New().String(),
		Type:      ev.Type,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   payload,
		PrevHash:  w.prevHash,
	}
	out.Hash = computeEventHash(out)
	w.prevHash = out.Hash

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", out.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends an SSE comment (": ping") to reset load balancer
// idle counters. Comments are ignored by clients and do not advance the
// hash chain.
func (w *SSEWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes the event's content fields (Hash excluded) for
// the per-stream chain of custody.
func computeEventHash(ev ssePushEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s",
		ev.ID, ev.Type, ev.CreatedAt, ev.PrevHash, ev.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SetSSEHeaders configures the response for SSE streaming. Must run
// before any body write; X-Accel-Buffering disables nginx buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
