// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package cache

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MemoryStore implements Store with an in-process map. Used in tests and
// when no cache path is configured. Entries round-trip through JSON so a
// MemoryStore exercises the same corruption paths as BadgerStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(subjectID string) (*Entry, error) {
	s.mu.RLock()
	data, ok := s.entries[subjectID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = s.Delete(subjectID)
		return nil, ErrNotFound
	}
	if !validateIdentity(subjectID, &entry) {
		_ = s.Delete(subjectID)
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Put implements Store.
func (s *MemoryStore) Put(subjectID string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[subjectID] = data
	s.mu.Unlock()
	return nil
}

// PutRaw stores arbitrary bytes under a subject id. Test hook for the
// corruption path.
func (s *MemoryStore) PutRaw(subjectID string, data []byte) {
	s.mu.Lock()
	s.entries[subjectID] = data
	s.mu.Unlock()
}

// Delete implements Store.
func (s *MemoryStore) Delete(subjectID string) error {
	s.mu.Lock()
	delete(s.entries, subjectID)
	s.mu.Unlock()
	return nil
}

// PurgeStale implements Store.
func (s *MemoryStore) PurgeStale(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, data := range s.entries {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || entry.FetchedAt.Before(cutoff) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
