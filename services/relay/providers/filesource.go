// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the file-backed provider catalog: a local JSON
// array of provider records, hot-reloaded on change. Used by deployments
// that manage the catalog through configuration management instead of the
// admin API.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// FileSource serves provider records from a JSON file and refreshes its
// in-memory copy when the file changes on disk.
//
// # Thread Safety
//
// Safe for concurrent use. The watcher goroutine swaps the cached slice
// under the mutex; LoadProviders returns a copy.
type FileSource struct {
	path string

	mu     sync.RWMutex
	cached []datatypes.Provider

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileSource loads the catalog file and starts watching it.
//
// The initial load must succeed; later reload failures keep the previous
// copy (same fail-open stance as the pool). Call Close() on shutdown.
func NewFileSource(path string) (*FileSource, error) {
	fs := &FileSource{path: path, done: make(chan struct{})}

	records, err := readCatalogFile(path)
	if err != nil {
		return nil, err
	}
	fs.cached = records

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create catalog file watcher: %w", err)
	}
	// Watch the directory: editors and config management tools replace
	// the file via rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch catalog directory: %w", err)
	}
	fs.watcher = watcher

	go fs.watch()
	slog.Info("Provider catalog file loaded", "path", path, "providers", len(records))
	return fs, nil
}

// LoadProviders implements Source.
func (f *FileSource) LoadProviders(ctx context.Context) ([]datatypes.Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]datatypes.Provider, len(f.cached))
	copy(out, f.cached)
	return out, nil
}

// Close stops the watcher goroutine.
func (f *FileSource) Close() error {
	close(f.done)
	return f.watcher.Close()
}

// watch reloads the file on write/create/rename events targeting it.
func (f *FileSource) watch() {
	target := filepath.Clean(f.path)
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			records, err := readCatalogFile(f.path)
			if err != nil {
				slog.Warn("Provider catalog file reload failed, keeping previous copy",
					"path", f.path, "error", err)
				continue
			}
			f.mu.Lock()
			f.cached = records
			f.mu.Unlock()
			slog.Info("Provider catalog file reloaded", "path", f.path, "providers", len(records))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Provider catalog file watcher error", "error", err)
		}
	}
}

// readCatalogFile parses the JSON provider array at path.
func readCatalogFile(path string) ([]datatypes.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog file: %w", err)
	}
	var records []datatypes.Provider
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse provider catalog file %s: %w", path, err)
	}
	return records, nil
}
