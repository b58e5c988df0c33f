// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// CachePolicy decides whether identical pipelines are re-sampled.
type CachePolicy string

const (
	// PolicyNone always re-samples. Default: the reward model treats
	// evaluation as a fresh draw from a noisy distribution.
	PolicyNone CachePolicy = "none"
	// PolicyReuse serves a stored result for an identical digest. Saves
	// money on transposed search paths at the price of frozen noise.
	PolicyReuse CachePolicy = "reuse"
)

// ParseCachePolicy validates a configured policy string.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch CachePolicy(s) {
	case PolicyNone, "":
		return PolicyNone, nil
	case PolicyReuse:
		return PolicyReuse, nil
	}
	return PolicyNone, fmt.Errorf("unknown cache policy %q (want none or reuse)", s)
}

// Store persists evaluation results keyed by pipeline digest.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	Get(digest string) (*Result, bool, error)
	Put(digest string, result *Result) error
	Close() error
}

// MemoryStore is the in-process store used for single-run searches.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*Result
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]*Result)}
}

func (s *MemoryStore) Get(digest string) (*Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[digest]
	if !ok {
		return nil, false, nil
	}
	out := *r
	return &out, true, nil
}

func (s *MemoryStore) Put(digest string, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *result
	s.results[digest] = &stored
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored results.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// BadgerStore persists results on disk so repeated runs against the same
// dataset can share evaluations across processes.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a store at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open eval cache at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(digest string) (*Result, bool, error) {
	var result Result
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(digest))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("eval cache get %s: %w", digest, err)
	}
	return &result, true, nil
}

func (s *BadgerStore) Put(digest string, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal eval result: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(digest), data)
	})
	if err != nil {
		return fmt.Errorf("eval cache put %s: %w", digest, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
