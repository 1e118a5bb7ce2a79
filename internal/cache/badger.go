// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
)

// profileKeyPrefix namespaces cache entries in BadgerDB.
const profileKeyPrefix = "profile:"

// BadgerStore implements Store using BadgerDB for durable storage across
// process restarts.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a BadgerDB-backed cache at the given directory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is noisy; failures surface as errors
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreInMemory opens an ephemeral BadgerDB, used in tests.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory cache db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func profileKey(subjectID string) []byte {
	return []byte(profileKeyPrefix + subjectID)
}

// Get implements Store. Corrupt and identity-mismatched entries are
// deleted and reported as ErrNotFound.
func (s *BadgerStore) Get(subjectID string) (*Entry, error) {
	var entry Entry
	var corrupt bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(profileKey(subjectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get cache entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &entry); err != nil {
				corrupt = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if corrupt {
		metrics.CacheOperations.WithLabelValues("corrupt").Inc()
		logging.Warn().Str("subject", subjectID).Msg("Purging corrupt cache entry")
		_ = s.Delete(subjectID)
		return nil, ErrNotFound
	}
	if !validateIdentity(subjectID, &entry) {
		metrics.CacheOperations.WithLabelValues("identity_mismatch").Inc()
		logging.Warn().Str("subject", subjectID).Str("entry_id", entry.Profile.ID).Msg("Purging identity-mismatched cache entry")
		_ = s.Delete(subjectID)
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Put implements Store.
func (s *BadgerStore) Put(subjectID string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(profileKey(subjectID), data)
	})
}

// Delete implements Store.
func (s *BadgerStore) Delete(subjectID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(profileKey(subjectID))
	})
}

// PurgeStale implements Store. Entries that fail to decode count as stale.
func (s *BadgerStore) PurgeStale(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(profileKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				var entry Entry
				if err := json.Unmarshal(val, &entry); err != nil || entry.FetchedAt.Before(cutoff) {
					stale = append(stale, key)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache entries: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}

	metrics.CachePurged.Add(float64(len(stale)))
	return len(stale), nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
