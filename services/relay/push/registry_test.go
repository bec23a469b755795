// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package push

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// recordingSink captures delivered events and can be toggled to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) sink(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("client gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestRegistry_Subscribe(t *testing.T) {
	t.Run("delivers the connected event", func(t *testing.T) {
		r := NewRegistry(Config{})
		s := &recordingSink{}

		sub, err := r.Subscribe("", "sess-1", s.sink)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if sub.ID == "" {
			t.Error("subscription has no ID")
		}
		if s.count() != 1 || s.events[0].Type != datatypes.EventConnected {
			t.Errorf("events = %v, want one connected event", s.events)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d, want 1", r.Len())
		}
	})

	t.Run("a sink that fails immediately is not registered", func(t *testing.T) {
		r := NewRegistry(Config{})
		s := &recordingSink{fail: true}

		if _, err := r.Subscribe("", "sess-1", s.sink); err == nil {
			t.Fatal("Subscribe accepted a dead sink")
		}
		if r.Len() != 0 {
			t.Errorf("Len = %d, want 0", r.Len())
		}
	})
}

func TestRegistry_CapacityEviction(t *testing.T) {
	t.Run("subscribing past the cap evicts exactly the least recently active", func(t *testing.T) {
		clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		r := NewRegistry(Config{MaxConnections: 2, Now: func() time.Time { return clock }})

		oldest := &recordingSink{}
		sub1 := mustSubscribe(t, r, "", "sess-1", oldest.sink)

		clock = clock.Add(time.Second)
		second := &recordingSink{}
		mustSubscribe(t, r, "", "sess-2", second.sink)

		// One past the cap: the stalest connection makes room for the new
		// subscriber, the cap holds.
		clock = clock.Add(time.Second)
		third := &recordingSink{}
		mustSubscribe(t, r, "", "sess-3", third.sink)

		if r.Len() != 2 {
			t.Fatalf("Len = %d after over-cap subscribe, want 2", r.Len())
		}
		select {
		case <-sub1.Done():
		default:
			t.Error("least recently active connection's Done channel not closed")
		}

		// The evicted connection receives nothing further.
		if n := r.Publish("", "sess-1", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m1"}); n != 0 {
			t.Errorf("delivered = %d to the evicted session, want 0", n)
		}
		if oldest.count() != 1 { // its connected event only
			t.Errorf("evicted sink got %d events, want no post-eviction delivery", oldest.count())
		}

		// Both survivors remain reachable.
		if n := r.Publish("", "sess-2", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m2"}); n != 1 {
			t.Errorf("delivered = %d to sess-2, want 1", n)
		}
		if n := r.Publish("", "sess-3", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m3"}); n != 1 {
			t.Errorf("delivered = %d to sess-3, want 1", n)
		}
	})

	t.Run("idle connections are reclaimed before a live one is evicted", func(t *testing.T) {
		clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		r := NewRegistry(Config{
			MaxConnections: 2,
			IdleTimeout:    time.Minute,
			Now:            func() time.Time { return clock },
		})

		idle := mustSubscribe(t, r, "", "sess-idle", (&recordingSink{}).sink)

		clock = clock.Add(55 * time.Second)
		fresh := mustSubscribe(t, r, "", "sess-fresh", (&recordingSink{}).sink)

		// The first connection is now past the idle timeout, the second is
		// not: the inline sweep reclaims the idle one and no live
		// connection is displaced.
		clock = clock.Add(10 * time.Second)
		mustSubscribe(t, r, "", "sess-new", (&recordingSink{}).sink)

		select {
		case <-idle.Done():
		default:
			t.Error("idle connection not reclaimed on subscribe pressure")
		}
		select {
		case <-fresh.Done():
			t.Error("live connection evicted despite an idle candidate")
		default:
		}
	})
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestRegistry_Publish(t *testing.T) {
	t.Run("matches by session key for anonymous targets", func(t *testing.T) {
		r := NewRegistry(Config{})
		match := &recordingSink{}
		other := &recordingSink{}
		mustSubscribe(t, r, "", "sess-1", match.sink)
		mustSubscribe(t, r, "", "sess-2", other.sink)

		n := r.Publish("", "sess-1", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m1"})
		if n != 1 {
			t.Fatalf("delivered = %d, want 1", n)
		}
		if match.count() != 2 { // connected + completion
			t.Errorf("matching sink got %d events, want 2", match.count())
		}
		if other.count() != 1 { // connected only
			t.Errorf("non-matching sink got %d events, want 1", other.count())
		}
	})

	t.Run("owner key supersedes session key", func(t *testing.T) {
		r := NewRegistry(Config{})
		// Same owner on two devices with different session keys.
		dev1 := &recordingSink{}
		dev2 := &recordingSink{}
		sessOnly := &recordingSink{}
		mustSubscribe(t, r, "owner-1", "sess-1", dev1.sink)
		mustSubscribe(t, r, "owner-1", "sess-2", dev2.sink)
		mustSubscribe(t, r, "", "sess-1", sessOnly.sink)

		n := r.Publish("owner-1", "sess-1", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m1"})
		if n != 2 {
			t.Fatalf("delivered = %d, want both owner connections", n)
		}
		if sessOnly.count() != 1 {
			t.Error("session-only connection received an owner-addressed event")
		}
	})

	t.Run("failed sink drops only that connection", func(t *testing.T) {
		r := NewRegistry(Config{})
		healthy := &recordingSink{}
		dying := &recordingSink{}
		mustSubscribe(t, r, "", "sess-1", healthy.sink)
		sub := mustSubscribe(t, r, "", "sess-1", dying.sink)

		dying.setFail(true)
		n := r.Publish("", "sess-1", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m1"})

		if n != 1 {
			t.Errorf("delivered = %d, want 1", n)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d after drop, want 1", r.Len())
		}
		select {
		case <-sub.Done():
		default:
			t.Error("dropped connection's Done channel not closed")
		}

		// At-most-once: the dropped connection receives nothing further.
		r.Publish("", "sess-1", datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: "m2"})
		if dying.count() != 1 { // its connected event only
			t.Errorf("dropped sink got %d events, want no post-drop delivery", dying.count())
		}
	})
}

// =============================================================================
// Sweep Tests
// =============================================================================

func TestRegistry_Sweep(t *testing.T) {
	t.Run("closes idle connections", func(t *testing.T) {
		clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		r := NewRegistry(Config{IdleTimeout: time.Minute, Now: func() time.Time { return clock }})

		idle := mustSubscribe(t, r, "", "sess-idle", (&recordingSink{}).sink)

		clock = clock.Add(30 * time.Second)
		active := &recordingSink{}
		mustSubscribe(t, r, "", "sess-active", active.sink)

		// Publishing refreshes the active connection's clock.
		clock = clock.Add(45 * time.Second)
		r.Publish("", "sess-active", datatypes.EventMessageCompleted, datatypes.CompletionEvent{})

		clock = clock.Add(30 * time.Second)
		_, idleClosed := r.Sweep()
		if idleClosed != 1 {
			t.Fatalf("idleClosed = %d, want 1", idleClosed)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d after sweep, want 1", r.Len())
		}
		select {
		case <-idle.Done():
		default:
			t.Error("idle connection's Done channel not closed")
		}
	})

	t.Run("quiet when nothing qualifies", func(t *testing.T) {
		r := NewRegistry(Config{})
		for i := 0; i < 3; i++ {
			mustSubscribe(t, r, "", fmt.Sprintf("sess-%d", i), (&recordingSink{}).sink)
		}
		capacityClosed, idleClosed := r.Sweep()
		if capacityClosed != 0 || idleClosed != 0 {
			t.Errorf("sweep closed %d+%d fresh connections", capacityClosed, idleClosed)
		}
	})
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestRegistry_Lifecycle(t *testing.T) {
	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		r := NewRegistry(Config{})
		sub := mustSubscribe(t, r, "", "sess-1", (&recordingSink{}).sink)

		r.Unsubscribe(sub.ID)
		r.Unsubscribe(sub.ID)
		if r.Len() != 0 {
			t.Errorf("Len = %d, want 0", r.Len())
		}
	})

	t.Run("start twice is refused, stop twice is safe", func(t *testing.T) {
		r := NewRegistry(Config{SweepInterval: time.Hour})
		ctx := t.Context()
		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := r.Start(ctx); err == nil {
			t.Error("second Start accepted")
		}
		r.Stop()
		r.Stop()
	})
}

func mustSubscribe(t *testing.T, r *Registry, owner, session string, sink Sink) *Subscription {
	t.Helper()
	sub, err := r.Subscribe(owner, session, sink)
	if err != nil {
		t.Fatalf("Subscribe(%q, %q): %v", owner, session, err)
	}
	return sub
}
