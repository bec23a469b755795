// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the history and administrative operations exposed
// alongside Send/Retry. History reads serve the caller's own bucket;
// admin operations browse and manage every stored bucket.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/history"
)

// =============================================================================
// History operations (caller's own bucket)
// =============================================================================

// GetHistory returns one page of the bucket in insertion order plus the
// total count. An empty cache bucket is hydrated from the store first.
// page is 1-based; pageSize <= 0 selects 50.
func (p *Pipeline) GetHistory(ctx context.Context, key string, page, pageSize int) ([]datatypes.Message, int) {
	p.hydrate(ctx, key)

	msgs := p.cache.ListByKey(key)
	total := len(msgs)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]datatypes.Message, end-start)
	copy(out, msgs[start:end])
	return out, total
}

// ClearHistory tombstones the caller's bucket in the cache and records
// the deletion in the store.
func (p *Pipeline) ClearHistory(ctx context.Context, key string) {
	p.cache.RemoveByKey(key)
	p.store.SoftDelete(ctx, key)
	slog.Info("History cleared", "key", key)
}

// DeleteMessage removes one message from the bucket. Returns true when
// the message existed.
func (p *Pipeline) DeleteMessage(ctx context.Context, key, id string) bool {
	return p.DeleteMessages(ctx, key, []string{id}) > 0
}

// DeleteMessages removes the listed messages from the bucket and
// persists the survivors. Returns how many were removed.
func (p *Pipeline) DeleteMessages(ctx context.Context, key string, ids []string) int {
	p.hydrate(ctx, key)
	removed := p.cache.RemoveByID(key, ids...)
	if removed > 0 {
		p.store.Save(ctx, key, p.cache.ListByKey(key))
	}
	return removed
}

// UpdateMessage replaces one message body in place (same ID, fresh
// timestamp). Returns false when the ID is absent from the bucket.
func (p *Pipeline) UpdateMessage(ctx context.Context, key, id, newBody string) (bool, error) {
	if err := validateBody(newBody); err != nil {
		return false, err
	}
	p.hydrate(ctx, key)
	if !p.cache.UpdateByID(key, id, newBody) {
		return false, nil
	}
	p.store.Save(ctx, key, p.cache.ListByKey(key))
	return true, nil
}

// ExportHistoryText renders the bucket as a plain-text transcript, one
// line per turn.
func (p *Pipeline) ExportHistoryText(ctx context.Context, key string) string {
	p.hydrate(ctx, key)

	var b strings.Builder
	for _, m := range p.cache.ListByKey(key) {
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			m.CreatedAt.UTC().Format("2006-01-02 15:04:05"), m.Role, m.Body)
	}
	return b.String()
}

// =============================================================================
// Administrative operations (all buckets)
// =============================================================================

// ListBuckets returns one page of stored bucket summaries.
func (p *Pipeline) ListBuckets(ctx context.Context, keyword string, page, pageSize int,
	includeDeleted bool) ([]history.BucketSummary, int, error) {

	return p.store.ListKeys(ctx,
		history.ListFilter{Keyword: keyword, IncludeDeleted: includeDeleted},
		page, pageSize)
}

// GetBucketHistory returns one page of any bucket's persisted messages.
// Reads the store directly so the admin view reflects durable state, not
// the cache.
func (p *Pipeline) GetBucketHistory(ctx context.Context, key string, page, pageSize int) ([]datatypes.Message, int) {
	msgs := p.store.Load(ctx, key)
	total := len(msgs)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return msgs[start:end], total
}

// DeleteBucket removes one bucket (cache tombstone + store soft delete).
func (p *Pipeline) DeleteBucket(ctx context.Context, key string) {
	p.ClearHistory(ctx, key)
}

// BatchDeleteBuckets removes the listed buckets and returns how many
// were processed.
func (p *Pipeline) BatchDeleteBuckets(ctx context.Context, keys []string) int {
	for _, key := range keys {
		p.ClearHistory(ctx, key)
	}
	return len(keys)
}

// deleteAllPageSize bounds one listing page during delete-all.
const deleteAllPageSize = 200

// DeleteAllBuckets wipes every bucket. Refuses without the confirmation
// flag. Returns how many live stored buckets were tombstoned; the cache
// is reset regardless.
func (p *Pipeline) DeleteAllBuckets(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}

	p.cache.Reset()

	// Collect every live key before tombstoning anything. Soft deletes
	// absorb backend failures, so deleting while paging could re-list the
	// same keys forever on a backend that reads but cannot write.
	var keys []string
	for page := 1; ; page++ {
		summaries, _, err := p.store.ListKeys(ctx, history.ListFilter{}, page, deleteAllPageSize)
		if err != nil {
			if p.store.Available() {
				return 0, fmt.Errorf("list buckets for delete-all: %w", err)
			}
			break
		}
		if len(summaries) == 0 {
			break
		}
		for _, s := range summaries {
			keys = append(keys, s.Key)
		}
	}

	for _, key := range keys {
		p.store.SoftDelete(ctx, key)
	}
	slog.Warn("All conversation buckets deleted", "stored_buckets", len(keys))
	return len(keys), nil
}
