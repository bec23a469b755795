// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const catalogJSON = `[
  {"endpoint": "http://a.example", "model_id": "m1", "enabled": true, "weight": 2},
  {"endpoint": "http://b.example", "model_id": "m2", "enabled": false, "weight": 1}
]`

func writeCatalog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write catalog file: %v", err)
	}
}

func TestFileSource_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	writeCatalog(t, path, catalogJSON)

	fs, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer fs.Close()

	got, err := fs.LoadProviders(context.Background())
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	if len(got) != 2 || got[0].Endpoint != "http://a.example" {
		t.Errorf("loaded %v, want both records in file order", endpoints(got))
	}
}

func TestFileSource_InitialLoadMustSucceed(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := NewFileSource(filepath.Join(t.TempDir(), "absent.json")); err == nil {
			t.Error("NewFileSource accepted a missing file")
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "providers.json")
		writeCatalog(t, path, "{not json")
		if _, err := NewFileSource(path); err == nil {
			t.Error("NewFileSource accepted a malformed file")
		}
	})
}

func TestFileSource_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	writeCatalog(t, path, catalogJSON)

	fs, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer fs.Close()

	t.Run("picks up a rewrite", func(t *testing.T) {
		writeCatalog(t, path, `[{"endpoint": "http://c.example", "model_id": "m3", "enabled": true, "weight": 1}]`)

		waitFor(t, func() bool {
			got, _ := fs.LoadProviders(context.Background())
			return len(got) == 1 && got[0].Endpoint == "http://c.example"
		})
	})

	t.Run("keeps the previous copy on a bad rewrite", func(t *testing.T) {
		writeCatalog(t, path, "{broken")

		// The watcher has no success signal for a rejected reload; give it
		// a moment, then confirm the good copy still serves.
		time.Sleep(200 * time.Millisecond)
		got, _ := fs.LoadProviders(context.Background())
		if len(got) != 1 || got[0].Endpoint != "http://c.example" {
			t.Errorf("after bad rewrite = %v, want the previous copy", endpoints(got))
		}
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
