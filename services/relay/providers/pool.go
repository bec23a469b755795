// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers holds the refreshable pool of upstream completion
// providers, the catalog sources it loads from, and the HTTP transport
// used to call a provider.
package providers

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

var poolTracer = otel.Tracer("aleutian.relay.providers")

// =============================================================================
// Catalog Source
// =============================================================================

// Source yields the current provider catalog. Implementations: the badger
// catalog (admin-managed) and the watched local file.
type Source interface {
	// LoadProviders returns every catalog record, including disabled
	// ones. The pool filters and validates.
	LoadProviders(ctx context.Context) ([]datatypes.Provider, error)
}

// =============================================================================
// Pool
// =============================================================================

// PoolConfig tunes the provider pool.
type PoolConfig struct {
	// RefreshTTL is how long a loaded catalog stays fresh. Default: 60s.
	RefreshTTL time.Duration

	// Env is the environment-declared provider, always available as a
	// last-resort member of the try-list regardless of catalog health.
	// Nil when unconfigured.
	Env *datatypes.Provider

	// Now is the clock. Injected for tests; defaults to time.Now.
	Now func() time.Time
}

// Pool holds the refreshable provider list and produces randomized,
// weight-biased try-orders.
//
// # Description
//
// The pool is read-mostly: refresh runs under its own lock and swaps the
// cached slice; readers take a read lock and never wait for an in-flight
// refresh (stale reads are acceptable by design). A refresh failure keeps
// the previous cache intact: the pool fails open to stale data, never
// closed to an empty list.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	mu        sync.RWMutex
	cached    []datatypes.Provider
	fetchedAt time.Time

	refreshMu sync.Mutex

	source Source
	cfg    PoolConfig
	now    func() time.Time
}

// NewPool creates a provider pool over the given catalog source. source
// may be nil; the pool then degrades to the environment provider alone.
func NewPool(source Source, cfg PoolConfig) *Pool {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 60 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{source: source, cfg: cfg, now: now}
}

// maybeRefresh reloads the catalog when the cached copy is older than the
// TTL. Concurrent callers do not pile up: if another refresh is in flight
// the caller proceeds with stale data.
func (p *Pool) maybeRefresh(ctx context.Context) {
	if p.source == nil {
		return
	}

	p.mu.RLock()
	fresh := p.now().Sub(p.fetchedAt) < p.cfg.RefreshTTL && p.cached != nil
	p.mu.RUnlock()
	if fresh {
		return
	}

	if !p.refreshMu.TryLock() {
		return
	}
	defer p.refreshMu.Unlock()

	ctx, span := poolTracer.Start(ctx, "Pool.refresh")
	defer span.End()

	records, err := p.source.LoadProviders(ctx)
	if err != nil {
		// Fail open: keep serving the previous catalog.
		slog.Warn("Provider catalog refresh failed, serving stale data", "error", err)
		return
	}

	usable := make([]datatypes.Provider, 0, len(records))
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		if err := rec.Validate(); err != nil {
			slog.Warn("Skipping invalid provider record",
				"endpoint", rec.Endpoint, "model", rec.ModelID, "error", err)
			continue
		}
		usable = append(usable, rec)
	}

	p.mu.Lock()
	p.cached = usable
	p.fetchedAt = p.now()
	p.mu.Unlock()

	slog.Info("Provider catalog refreshed", "providers", len(usable))
}

// BuildTryOrder returns the randomized, weight-biased provider sequence
// for one request.
//
// # Description
//
// Each enabled provider occupies min(10, max(1, weight)) slots in a
// selection pool. The pool is shuffled uniformly, deduplicated preserving
// first occurrence, and the environment provider is prepended or appended
// per preferEnvFirst. With zero usable catalog providers the order
// degrades to the environment provider alone, or to an empty list when
// even that is unconfigured (the pipeline then answers with its local
// fallback reply).
func (p *Pool) BuildTryOrder(ctx context.Context, preferEnvFirst bool) []datatypes.Provider {
	p.maybeRefresh(ctx)

	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()

	slots := make([]datatypes.Provider, 0, len(cached))
	for _, prov := range cached {
		for i := 0; i < prov.PoolSlots(); i++ {
			slots = append(slots, prov)
		}
	}
	rand.Shuffle(len(slots), func(i, j int) {
		slots[i], slots[j] = slots[j], slots[i]
	})

	ordered := slots
	if p.cfg.Env != nil {
		if preferEnvFirst {
			ordered = append([]datatypes.Provider{*p.cfg.Env}, slots...)
		} else {
			ordered = append(slots, *p.cfg.Env)
		}
	}

	seen := make(map[string]bool, len(ordered))
	out := make([]datatypes.Provider, 0, len(ordered))
	for _, prov := range ordered {
		if seen[prov.Key()] {
			continue
		}
		seen[prov.Key()] = true
		out = append(out, prov)
	}
	return out
}
