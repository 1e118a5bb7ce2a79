// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package cache provides the durable local cache for resolved profiles.
// Entries are namespaced by subject id and carry a fetch timestamp;
// freshness is always the reader's decision. The cache is advisory:
// corrupt or identity-mismatched entries are purged and reported as
// misses, never returned.
package cache

import (
	"errors"
	"time"

	"github.com/casavia/casavia/internal/models"
)

// ErrNotFound is returned when no entry exists for a subject.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached resolution for a subject.
type Entry struct {
	Profile   models.Profile `json:"profile"`
	Role      models.Role    `json:"role"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// FreshWithin reports whether the entry is young enough to stand in for
// an authoritative resolution.
func (e *Entry) FreshWithin(ttl time.Duration) bool {
	return time.Since(e.FetchedAt) < ttl
}

// Age returns how long ago the entry was fetched.
func (e *Entry) Age() time.Duration {
	return time.Since(e.FetchedAt)
}

// Store is the durable cache contract. Implementations must enforce the
// identity invariant on read: an entry stored under subject id whose
// profile id differs is deleted and reported as ErrNotFound.
type Store interface {
	// Get returns the entry for a subject, or ErrNotFound.
	Get(subjectID string) (*Entry, error)

	// Put stores the entry for a subject, overwriting any prior entry.
	Put(subjectID string, entry *Entry) error

	// Delete removes the entry for a subject. Deleting a missing entry
	// is not an error.
	Delete(subjectID string) error

	// PurgeStale removes every entry older than maxAge and returns the
	// number purged.
	PurgeStale(maxAge time.Duration) (int, error)

	// Close releases the underlying storage.
	Close() error
}

// validateIdentity checks the cache identity invariant.
func validateIdentity(subjectID string, e *Entry) bool {
	return e.Profile.ID == subjectID
}
