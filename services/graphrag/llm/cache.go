// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// SummaryCache persists content-hash keyed summaries so unchanged symbols
// never re-hit the summarizer across rebuilds.
type SummaryCache struct {
	db *badger.DB
}

// OpenSummaryCache opens (or creates) the cache at dir. An empty dir opens
// an in-memory cache, used by tests and by stdio sessions without a
// workspace config directory.
func OpenSummaryCache(dir string) (*SummaryCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open summary cache: %w", err)
	}
	return &SummaryCache{db: db}, nil
}

// Get returns the cached summary for a content hash, or "" when absent.
func (c *SummaryCache) Get(contentHash string) (string, bool) {
	var out string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(contentHash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) || err != nil {
		return "", false
	}
	return out, true
}

// Put stores a summary under its content hash.
func (c *SummaryCache) Put(contentHash, summary string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(contentHash), []byte(summary))
	})
}

// Close releases the underlying store.
func (c *SummaryCache) Close() error {
	return c.db.Close()
}
