// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history holds conversation state: an in-process bounded cache
// (the hot tier and source of truth for the current request) and a
// BadgerDB-backed persistent store adapter (the warm tier, best-effort).
package history

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Cache Configuration
// =============================================================================

// CacheConfig bounds the in-process history cache.
type CacheConfig struct {
	// MaxUserMessages caps one bucket. Oldest messages in the bucket are
	// evicted on overflow. Default: 50.
	MaxUserMessages int

	// MaxMemoryMessages caps the total across all buckets. The globally
	// oldest messages are evicted on overflow, regardless of bucket.
	// Default: 10000.
	MaxMemoryMessages int

	// Now is the clock. Injected for tests; defaults to time.Now.
	Now func() time.Time
}

// DefaultCacheConfig returns production cache bounds.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxUserMessages:   50,
		MaxMemoryMessages: 10000,
	}
}

// =============================================================================
// Cache
// =============================================================================

// bucket is the ordered message sequence for one grouping key.
//
// A bucket can be tombstoned: emptied, flagged deleted, and timestamped.
// A subsequent Append resurrects it.
type bucket struct {
	msgs      []datatypes.Message
	deleted   bool
	deletedAt time.Time
}

// Cache is the in-process mirror of per-user message sequences with hard
// caps on per-bucket and total size.
//
// # Description
//
// All mutation is serialized by a mutex; the eviction invariants hold
// under concurrent Send/Retry calls for different users. After any
// operation, sum(len(bucket)) <= MaxMemoryMessages and every bucket is
// <= MaxUserMessages.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	buckets map[string]*bucket
	total   int
	now     func() time.Time
}

// NewCache creates a bounded history cache.
func NewCache(cfg CacheConfig) *Cache {
	def := DefaultCacheConfig()
	if cfg.MaxUserMessages <= 0 {
		cfg.MaxUserMessages = def.MaxUserMessages
	}
	if cfg.MaxMemoryMessages <= 0 {
		cfg.MaxMemoryMessages = def.MaxMemoryMessages
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     now,
	}
}

// Append adds a message to the bucket for key, evicting oldest entries as
// needed to respect both caps.
//
// # Description
//
// Per-bucket eviction runs first: if the bucket is full, its oldest
// messages are dropped until one slot is free. Then global eviction: while
// the cache is at MaxMemoryMessages, the globally oldest message across
// all buckets is dropped. Appending to a tombstoned bucket resurrects it.
func (c *Cache) Append(key string, msg datatypes.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil {
		b = &bucket{}
		c.buckets[key] = b
	}
	if b.deleted {
		b.deleted = false
		b.deletedAt = time.Time{}
	}

	// Per-bucket cap: free one slot in this bucket.
	for len(b.msgs) >= c.cfg.MaxUserMessages {
		b.msgs = b.msgs[1:]
		c.total--
	}

	// Global cap: evict the globally oldest message, whichever bucket
	// holds it.
	for c.total >= c.cfg.MaxMemoryMessages {
		c.evictGlobalOldestLocked()
	}

	b.msgs = append(b.msgs, msg)
	c.total++
}

// evictGlobalOldestLocked drops the single oldest message across all
// buckets. Caller holds c.mu.
func (c *Cache) evictGlobalOldestLocked() {
	var oldest *bucket
	for _, b := range c.buckets {
		if len(b.msgs) == 0 {
			continue
		}
		if oldest == nil || b.msgs[0].CreatedAt.Before(oldest.msgs[0].CreatedAt) {
			oldest = b
		}
	}
	if oldest == nil {
		// Total says messages exist but no bucket holds any; reset to
		// re-establish the invariant.
		slog.Warn("History cache counter drift, resetting", "total", c.total)
		c.total = 0
		return
	}
	oldest.msgs = oldest.msgs[1:]
	c.total--
}

// ListByKey returns a copy of the bucket contents in insertion order.
// No size limit is imposed at read time. A tombstoned or absent bucket
// yields nil.
func (c *Cache) ListByKey(key string) []datatypes.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil || b.deleted || len(b.msgs) == 0 {
		return nil
	}
	out := make([]datatypes.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// RemoveByKey tombstones the bucket: emptied, flagged deleted, timestamped.
// A later Append resurrects it.
func (c *Cache) RemoveByKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil {
		b = &bucket{}
		c.buckets[key] = b
	}
	c.total -= len(b.msgs)
	b.msgs = nil
	b.deleted = true
	b.deletedAt = c.now()
}

// UpdateByID replaces the body and timestamp of one message in place.
// Returns false without mutation when the ID is absent from the bucket.
func (c *Cache) UpdateByID(key, id, newBody string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil || b.deleted {
		return false
	}
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			b.msgs[i].Body = newBody
			b.msgs[i].CreatedAt = c.now()
			return true
		}
	}
	return false
}

// RemoveByID deletes the listed message IDs from the bucket and returns
// how many were removed.
func (c *Cache) RemoveByID(key string, ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil || b.deleted {
		return 0
	}
	kept := b.msgs[:0]
	removed := 0
	for _, m := range b.msgs {
		if drop[m.ID] {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	b.msgs = kept
	c.total -= removed
	return removed
}

// Replace swaps the bucket contents wholesale, clearing any tombstone.
// Used to hydrate a bucket from the persistent store after a restart.
// Caps still apply: excess oldest messages are dropped.
func (c *Cache) Replace(key string, msgs []datatypes.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil {
		b = &bucket{}
		c.buckets[key] = b
	}
	c.total -= len(b.msgs)

	if n := len(msgs) - c.cfg.MaxUserMessages; n > 0 {
		msgs = msgs[n:]
	}
	b.msgs = append([]datatypes.Message(nil), msgs...)
	b.deleted = false
	b.deletedAt = time.Time{}
	c.total += len(b.msgs)

	for c.total > c.cfg.MaxMemoryMessages {
		c.evictGlobalOldestLocked()
	}
}

// Reset drops every bucket. Used by the delete-all administrative path.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[string]*bucket)
	c.total = 0
}

// Len returns the total number of cached messages across all buckets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// BucketLen returns the length of one bucket.
func (c *Cache) BucketLen(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets[key]
	if b == nil || b.deleted {
		return 0
	}
	return len(b.msgs)
}
