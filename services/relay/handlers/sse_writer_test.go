// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
)

func writeEvents(t *testing.T, n int) (*httptest.ResponseRecorder, []ssePushEvent) {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	for i := 0; i < n; i++ {
		ev := push.Event{
			Type:    datatypes.EventMessageCompleted,
			Payload: datatypes.CompletionEvent{MessageID: "m", HasResponse: true, ResponseLength: i},
		}
		if err := w.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent %d: %v", i, err)
		}
	}
	return rec, parseSSE(t, rec.Body.String())
}

// parseSSE extracts the JSON data frames from an SSE body.
func parseSSE(t *testing.T, body string) []ssePushEvent {
	t.Helper()
	var out []ssePushEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev ssePushEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal frame %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestSSEWriter_WriteEvent(t *testing.T) {
	rec, events := writeEvents(t, 1)

	if len(events) != 1 {
		t.Fatalf("parsed %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != datatypes.EventMessageCompleted || ev.ID == "" || ev.CreatedAt == 0 {
		t.Errorf("event = %+v", ev)
	}
	if !strings.Contains(rec.Body.String(), "event: "+datatypes.EventMessageCompleted) {
		t.Error("missing event: field line")
	}

	var payload datatypes.CompletionEvent
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.MessageID != "m" || !payload.HasResponse {
		t.Errorf("payload = %+v", payload)
	}
}

// TestSSEWriter_HashChain verifies every event's hash covers its content
// and links to the previous event.
func TestSSEWriter_HashChain(t *testing.T) {
	_, events := writeEvents(t, 3)
	if len(events) != 3 {
		t.Fatalf("parsed %d events, want 3", len(events))
	}

	if events[0].PrevHash != "" {
		t.Errorf("first event PrevHash = %q, want empty", events[0].PrevHash)
	}
	for i, ev := range events {
		if got := computeEventHash(ev); got != ev.Hash {
			t.Errorf("event %d hash mismatch: computed %s, carried %s", i, got, ev.Hash)
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			t.Errorf("event %d not chained to event %d", i, i-1)
		}
	}
}

func TestSSEWriter_KeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	if err := w.WriteKeepAlive(); err != nil {
		t.Fatalf("WriteKeepAlive: %v", err)
	}
	if err := w.WriteEvent(push.Event{Type: datatypes.EventConnected}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, ": ping\n\n") {
		t.Errorf("body does not start with the comment frame: %q", body)
	}
	// Comments do not advance the chain: the first real event is unchained.
	events := parseSSE(t, body)
	if len(events) != 1 || events[0].PrevHash != "" {
		t.Errorf("events = %+v, want one chain-initial event", events)
	}
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("proxy buffering not disabled")
	}
}
