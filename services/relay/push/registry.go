// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package push tracks live client push connections and fans out typed
// completion events to them.
//
// The registry enforces a global connection cap with least-recently-active
// eviction and runs a periodic sweep closing idle and excess connections.
// Delivery is at-most-once per connection per event: a connection whose
// sink errors mid-fan-out is dropped and receives nothing further until it
// resubscribes.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

// ErrRegistryFull is returned by Subscribe when the registry is at
// capacity and sweeping freed nothing. Surfaced to clients as a
// service-unavailable signal.
var ErrRegistryFull = errors.New("push registry at capacity")

// =============================================================================
// Events and Sinks
// =============================================================================

// Event is one typed push event.
type Event struct {
	Type    string                    `json:"type"`
	Payload datatypes.CompletionEvent `json:"payload"`
}

// Sink delivers one event to one connection. Sinks must not block: the
// registry calls them inside its critical section. Channel-backed sinks
// use a buffered send with a non-blocking fallback and report an error
// when the client cannot keep up.
type Sink func(Event) error

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the push registry.
type Config struct {
	// MaxConnections is the global cap. Default: 256.
	MaxConnections int

	// IdleTimeout closes connections with no successful push for this
	// long. Default: 5 minutes.
	IdleTimeout time.Duration

	// SweepInterval is the background sweep period. Default: 30s.
	SweepInterval time.Duration

	// Now is the clock. Injected for tests; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns production registry settings.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 256,
		IdleTimeout:    5 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

// =============================================================================
// Registry
// =============================================================================

// connection is one live push channel. lastActiveAt is refreshed on every
// successful write; the sweep orders evictions by it.
type connection struct {
	id           string
	ownerKey     string
	sessionKey   string
	lastActiveAt time.Time
	sink         Sink
	done         chan struct{}
}

// Subscription is the handle returned to the transport handler that owns
// the connection.
type Subscription struct {
	// ID identifies the connection for Unsubscribe.
	ID string

	done chan struct{}
}

// Done is closed when the registry drops the connection (send failure,
// idle timeout, capacity eviction, or explicit unsubscribe). The owning
// handler must then end its response stream.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Registry tracks live push connections and fans out events.
//
// # Thread Safety
//
// All connection-map mutation runs under one mutex, shared by the request
// path and the sweep; the sweep holds it for a bounded duration.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connection

	cfg Config
	now func() time.Time

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewRegistry creates a push registry. Call Start to run the background
// sweep; the registry works without it but then only sweeps inline on
// Subscribe pressure.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns: make(map[string]*connection),
		cfg:   cfg,
		now:   now,
	}
}

// Subscribe registers a live connection and emits the connected event.
//
// # Description
//
// When the registry is at capacity an inline sweep runs first; if that
// reclaims nothing, the least recently active connection is evicted to
// make room, so a new subscriber always displaces the stalest one.
// ErrRegistryFull is returned only when no connection can be closed. The
// connected event is delivered through the sink before Subscribe returns;
// a sink that fails immediately is not registered.
func (r *Registry) Subscribe(ownerKey, sessionKey string, sink Sink) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.cfg.MaxConnections {
		capacity, idle := r.sweepLocked()
		if capacity+idle > 0 {
			slog.Info("Inline sweep before subscribe",
				"capacity_closed", capacity, "idle_closed", idle)
		}
		if need := len(r.conns) - r.cfg.MaxConnections + 1; need > 0 {
			if r.evictOldestLocked(need, "capacity") < need {
				return nil, ErrRegistryFull
			}
			slog.Info("Evicted least recently active connection for new subscriber",
				"evicted", need)
		}
	}

	conn := &connection{
		id:           uuid.New().String(),
		ownerKey:     ownerKey,
		sessionKey:   sessionKey,
		lastActiveAt: r.now(),
		sink:         sink,
		done:         make(chan struct{}),
	}

	if err := sink(Event{Type: datatypes.EventConnected}); err != nil {
		return nil, fmt.Errorf("deliver connected event: %w", err)
	}

	r.conns[conn.id] = conn
	if m := observability.DefaultMetrics; m != nil {
		m.PushConnections.Inc()
	}
	slog.Debug("Push connection subscribed",
		"connection_id", conn.id, "session_key", sessionKey, "has_owner", ownerKey != "")
	return &Subscription{ID: conn.id, done: conn.done}, nil
}

// Unsubscribe drops a connection explicitly. Safe to call for an already
// removed ID.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		r.closeLocked(conn, "unsubscribe")
	}
}

// Publish fans out one event to every matching connection and returns how
// many received it.
//
// # Description
//
// When the publish target carries an owner key, connections are matched
// by owner key; otherwise by session key. A connection whose sink errors
// is removed without aborting the fan-out to the rest. Each successful
// write refreshes the connection's activity time.
func (r *Registry) Publish(ownerKey, sessionKey, eventType string, payload datatypes.CompletionEvent) int {
	ev := Event{Type: eventType, Payload: payload}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, conn := range r.conns {
		if ownerKey != "" {
			if conn.ownerKey != ownerKey {
				continue
			}
		} else if conn.sessionKey != sessionKey {
			continue
		}

		if err := conn.sink(ev); err != nil {
			slog.Debug("Push write failed, dropping connection",
				"connection_id", conn.id, "error", err)
			r.closeLocked(conn, "send_failure")
			continue
		}
		conn.lastActiveAt = r.now()
		delivered++
	}
	return delivered
}

// Len returns the live connection count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeLocked removes a connection and signals its owner. Caller holds
// r.mu.
func (r *Registry) closeLocked(conn *connection, reason string) {
	delete(r.conns, conn.id)
	close(conn.done)
	if m := observability.DefaultMetrics; m != nil {
		m.PushConnections.Dec()
		m.PushEvictionsTotal.WithLabelValues(reason).Inc()
	}
}

// evictOldestLocked closes up to n connections, least recently active
// first, and returns how many it closed. Caller holds r.mu.
func (r *Registry) evictOldestLocked(n int, reason string) int {
	if n <= 0 {
		return 0
	}
	byAge := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		byAge = append(byAge, conn)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].lastActiveAt.Before(byAge[j].lastActiveAt)
	})
	if n > len(byAge) {
		n = len(byAge)
	}
	for _, conn := range byAge[:n] {
		r.closeLocked(conn, reason)
	}
	return n
}

// sweepLocked runs both eviction passes and returns (capacityClosed,
// idleClosed). Caller holds r.mu.
//
// Pass 1: when the count exceeds the cap, the oldest excess connections
// by lastActiveAt are closed. Pass 2: independently, any connection idle
// longer than the timeout is closed.
func (r *Registry) sweepLocked() (int, int) {
	capacityClosed := r.evictOldestLocked(len(r.conns)-r.cfg.MaxConnections, "capacity")

	idleClosed := 0
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	for _, conn := range r.conns {
		if conn.lastActiveAt.Before(cutoff) {
			r.closeLocked(conn, "idle")
			idleClosed++
		}
	}
	return capacityClosed, idleClosed
}

// Sweep runs one sweep cycle immediately. Used by the background loop and
// by tests.
func (r *Registry) Sweep() (capacityClosed, idleClosed int) {
	r.mu.Lock()
	capacityClosed, idleClosed = r.sweepLocked()
	remaining := len(r.conns)
	r.mu.Unlock()

	if capacityClosed > 0 || idleClosed > 0 {
		slog.Info("Push registry sweep",
			"capacity_closed", capacityClosed,
			"idle_closed", idleClosed,
			"remaining", remaining)
	}
	return capacityClosed, idleClosed
}

// Start launches the background sweep loop (ticker + done channel). It
// returns an error if the registry is already running. The loop stops on
// Stop() or context cancellation.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return errors.New("push registry sweep already running")
	}
	r.running = true
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	r.runMu.Unlock()

	slog.Info("Push registry sweep starting",
		"interval", r.cfg.SweepInterval.String(),
		"max_connections", r.cfg.MaxConnections,
		"idle_timeout", r.cfg.IdleTimeout.String())

	go func() {
		defer close(r.stopped)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the background sweep and waits for the loop to exit.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	close(r.stop)
	<-r.stopped
	r.running = false
}
