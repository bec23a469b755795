// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the badger-backed provider catalog: the external
// store the pool refreshes from, plus the CRUD surface the admin routes
// use to manage it.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// catalogPrefix namespaces provider records in the shared DB.
const catalogPrefix = "provider/"

// BadgerCatalog stores provider records in the embedded database shared
// with the history store.
type BadgerCatalog struct {
	db *badger.DB
}

// NewBadgerCatalog wraps a badger DB as a provider catalog. db must not
// be nil; callers without a database pass a nil Source to the pool
// instead.
func NewBadgerCatalog(db *badger.DB) *BadgerCatalog {
	return &BadgerCatalog{db: db}
}

// LoadProviders implements Source. Records are returned in key order;
// validation and filtering happen in the pool.
func (c *BadgerCatalog) LoadProviders(ctx context.Context) ([]datatypes.Provider, error) {
	var out []datatypes.Provider
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(catalogPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec datatypes.Provider
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode provider record %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load provider catalog: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Put upserts a provider record. The record is validated first so the
// catalog never holds rows the pool would reject.
func (c *BadgerCatalog) Put(ctx context.Context, rec datatypes.Provider) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal provider record: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(catalogPrefix+rec.Key()), data)
	})
	if err != nil {
		return fmt.Errorf("store provider record: %w", err)
	}
	return nil
}

// Delete removes a provider record by its key (endpoint|model).
func (c *BadgerCatalog) Delete(ctx context.Context, key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(catalogPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete provider record %s: %w", key, err)
	}
	return nil
}
