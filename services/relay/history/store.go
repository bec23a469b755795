// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the persistent history store adapter.
//
// The adapter abstracts conversation storage behind load/save/soft-delete
// operations and degrades gracefully: every backend failure is logged and
// absorbed, never raised to the hot path. The in-process cache remains the
// source of truth for the current request; the store only affects
// durability across restarts.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

var storeTracer = otel.Tracer("aleutian.relay.history")

// conversationPrefix namespaces conversation documents in the shared DB.
const conversationPrefix = "conv/"

// errStoreUnavailable is the internal degraded-mode marker. It never
// leaves this package on the hot path.
var errStoreUnavailable = errors.New("history store unavailable")

// =============================================================================
// Documents
// =============================================================================

// conversationDoc is the stored shape of one bucket.
//
// A soft-deleted bucket keeps its document (emptied, flagged, timestamped)
// so deletion is recorded even for keys never before persisted, and so a
// later write can resurrect the key.
type conversationDoc struct {
	Key       string              `json:"key"`
	Messages  []datatypes.Message `json:"messages,omitempty"`
	Deleted   bool                `json:"deleted,omitempty"`
	DeletedAt time.Time           `json:"deleted_at,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// BucketSummary is the administrative browse row for one stored bucket.
type BucketSummary struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	FirstAt      time.Time `json:"first_at,omitempty"`
	LastAt       time.Time `json:"last_at,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
	DeletedAt    time.Time `json:"deleted_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListFilter narrows ListKeys results.
type ListFilter struct {
	// Keyword, when non-empty, keeps only keys containing it.
	Keyword string

	// IncludeDeleted keeps tombstoned buckets in the listing.
	IncludeDeleted bool
}

// =============================================================================
// Store
// =============================================================================

// StoreConfig tunes the persistent adapter.
type StoreConfig struct {
	// OpTimeout bounds one backend operation. After it elapses the call
	// proceeds as if the store were empty or unavailable. Default: 10s.
	OpTimeout time.Duration

	// TruncateOnOversize is how many most-recent messages survive the one
	// retry after a write-size rejection. Policy choice, not a derived
	// constant. Default: 100.
	TruncateOnOversize int

	// Now is the clock. Injected for tests; defaults to time.Now.
	Now func() time.Time
}

// DefaultStoreConfig returns production adapter settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		OpTimeout:          10 * time.Second,
		TruncateOnOversize: 100,
	}
}

// Store is the persistent history store adapter.
//
// # Description
//
// Wraps an embedded BadgerDB. May be constructed with a nil DB, in which
// case every operation is a logged no-op: the service then runs with the
// in-process cache only (degraded durability, full availability).
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB serializes internally.
type Store struct {
	db  *badger.DB
	cfg StoreConfig
	now func() time.Time
}

// NewStore creates the adapter. db may be nil for degraded (cache-only)
// mode.
func NewStore(db *badger.DB, cfg StoreConfig) *Store {
	def := DefaultStoreConfig()
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.TruncateOnOversize <= 0 {
		cfg.TruncateOnOversize = def.TruncateOnOversize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, cfg: cfg, now: now}
}

// run executes one backend operation under the adapter timeout. The badger
// API is not context-aware, so the operation runs in its own goroutine and
// is abandoned (its result discarded) if the deadline passes first.
func (s *Store) run(ctx context.Context, op string, fn func() error) error {
	if s.db == nil {
		return errStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("store %s timed out: %w", op, ctx.Err())
	}
}

// Load returns the stored bucket for key in insertion order, or nil when
// the key is absent, tombstoned, or the backend is unavailable. Failures
// are logged, never raised.
func (s *Store) Load(ctx context.Context, key string) []datatypes.Message {
	ctx, span := storeTracer.Start(ctx, "Store.Load")
	defer span.End()

	var doc conversationDoc
	err := s.run(ctx, "load", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(conversationPrefix + key))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		if !errors.Is(err, errStoreUnavailable) {
			slog.Warn("History store load failed, continuing without persisted history",
				"key", key, "error", err)
		}
		return nil
	}
	if doc.Deleted {
		return nil
	}

	// Validate at the adapter boundary; a corrupt row must not poison the
	// cache.
	msgs := doc.Messages[:0]
	for _, m := range doc.Messages {
		if err := datatypes.ValidateMessage(m); err != nil {
			slog.Warn("Dropping invalid persisted message", "key", key, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// Save persists the full bucket for key (full replace, last-writer-wins).
//
// # Description
//
// On a write-size rejection the save is retried once with only the most
// recent TruncateOnOversize messages. All other failures are logged and
// absorbed. Saving never raises to the caller.
func (s *Store) Save(ctx context.Context, key string, msgs []datatypes.Message) {
	ctx, span := storeTracer.Start(ctx, "Store.Save")
	defer span.End()

	err := s.putDoc(ctx, conversationDoc{
		Key:       key,
		Messages:  msgs,
		UpdatedAt: s.now(),
	})
	if err == nil {
		return
	}
	if errors.Is(err, errStoreUnavailable) {
		return
	}

	if isOversizeWrite(err) && len(msgs) > s.cfg.TruncateOnOversize {
		truncated := msgs[len(msgs)-s.cfg.TruncateOnOversize:]
		slog.Warn("History save exceeded store limits, retrying truncated",
			"key", key, "messages", len(msgs), "retained", len(truncated))
		if m := observability.DefaultMetrics; m != nil {
			m.StoreSaveRetriesTotal.Inc()
		}
		if err = s.putDoc(ctx, conversationDoc{
			Key:       key,
			Messages:  truncated,
			UpdatedAt: s.now(),
		}); err == nil {
			return
		}
	}
	slog.Warn("History store save failed, cache remains authoritative",
		"key", key, "messages", len(msgs), "error", err)
}

// SoftDelete tombstones the stored bucket. Upsert-if-absent: the deletion
// is recorded even for keys never before persisted.
func (s *Store) SoftDelete(ctx context.Context, key string) {
	ctx, span := storeTracer.Start(ctx, "Store.SoftDelete")
	defer span.End()

	err := s.putDoc(ctx, conversationDoc{
		Key:       key,
		Deleted:   true,
		DeletedAt: s.now(),
		UpdatedAt: s.now(),
	})
	if err != nil && !errors.Is(err, errStoreUnavailable) {
		slog.Warn("History store soft-delete failed", "key", key, "error", err)
	}
}

// putDoc writes one conversation document.
func (s *Store) putDoc(ctx context.Context, doc conversationDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal conversation document: %w", err)
	}
	return s.run(ctx, "save", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(conversationPrefix+doc.Key), data)
		})
	})
}

// isOversizeWrite reports whether a write failed because the document
// exceeded the backend's size limits.
func isOversizeWrite(err error) bool {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "exceeding size") ||
		strings.Contains(msg, "Value with size") ||
		strings.Contains(msg, "too big")
}

// ListKeys returns one page of bucket summaries for administrative
// browsing. Not used by the hot path, so errors are returned rather than
// absorbed.
//
// Results are ordered by UpdatedAt descending (most recently touched
// first), then key ascending for determinism. page is 1-based.
func (s *Store) ListKeys(ctx context.Context, filter ListFilter, page, pageSize int) ([]BucketSummary, int, error) {
	ctx, span := storeTracer.Start(ctx, "Store.ListKeys")
	defer span.End()

	if s.db == nil {
		return nil, 0, errStoreUnavailable
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var all []BucketSummary
	err := s.run(ctx, "list", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(conversationPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var doc conversationDoc
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &doc)
				})
				if err != nil {
					slog.Warn("Skipping unreadable conversation document", "error", err)
					continue
				}
				if doc.Deleted && !filter.IncludeDeleted {
					continue
				}
				if filter.Keyword != "" && !strings.Contains(doc.Key, filter.Keyword) {
					continue
				}
				all = append(all, summarize(doc))
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list conversation keys: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].Key < all[j].Key
	})

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// summarize reduces a stored document to its browse row.
func summarize(doc conversationDoc) BucketSummary {
	s := BucketSummary{
		Key:          doc.Key,
		MessageCount: len(doc.Messages),
		Deleted:      doc.Deleted,
		DeletedAt:    doc.DeletedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if len(doc.Messages) > 0 {
		s.FirstAt = doc.Messages[0].CreatedAt
		s.LastAt = doc.Messages[len(doc.Messages)-1].CreatedAt
	}
	return s
}

// Available reports whether a backing database is attached. Used by the
// health endpoint to surface degraded-durability mode.
func (s *Store) Available() bool {
	return s.db != nil
}
