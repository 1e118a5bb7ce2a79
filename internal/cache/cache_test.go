// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/casavia/casavia/internal/models"
)

// stores returns one of each backend so every test runs against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := NewBadgerStoreInMemory()
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func entryFor(subject string, age time.Duration) *Entry {
	return &Entry{
		Profile: models.Profile{
			ID:        subject,
			FullName:  "Test User",
			Role:      models.RoleUser,
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Role:      models.RoleUser,
		FetchedAt: time.Now().Add(-age),
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			e := entryFor("u1", 0)
			if err := store.Put("u1", e); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := store.Get("u1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Profile.ID != "u1" || got.Profile.FullName != "Test User" {
				t.Errorf("profile = %+v", got.Profile)
			}
			if got.Role != models.RoleUser {
				t.Errorf("role = %q", got.Role)
			}
		})
	}
}

func TestStore_MissingIsNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get("nobody"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

// Cache identity invariant: an entry stored under one subject whose
// profile id names another subject is never returned, and is purged.
func TestStore_IdentityMismatchPurged(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			wrong := entryFor("other-subject", 0)
			if err := store.Put("u1", wrong); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			if _, err := store.Get("u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get() error = %v, want ErrNotFound for mismatched identity", err)
			}

			// The bad entry must be gone, not merely skipped
			if _, err := store.Get("u1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("mismatched entry survived purge")
			}
		})
	}
}

func TestMemoryStore_CorruptEntryPurged(t *testing.T) {
	store := NewMemoryStore()
	store.PutRaw("u1", []byte(`{not json`))

	if _, err := store.Get("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(corrupt) error = %v, want ErrNotFound", err)
	}
	if store.Len() != 0 {
		t.Error("corrupt entry not deleted")
	}
}

func TestStore_PurgeStale(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Put("old", entryFor("old", 25*time.Hour)); err != nil {
				t.Fatalf("Put(old) error = %v", err)
			}
			if err := store.Put("fresh", entryFor("fresh", time.Minute)); err != nil {
				t.Fatalf("Put(fresh) error = %v", err)
			}

			purged, err := store.PurgeStale(24 * time.Hour)
			if err != nil {
				t.Fatalf("PurgeStale() error = %v", err)
			}
			if purged != 1 {
				t.Errorf("purged = %d, want 1", purged)
			}

			if _, err := store.Get("old"); !errors.Is(err, ErrNotFound) {
				t.Error("stale entry survived purge")
			}
			if _, err := store.Get("fresh"); err != nil {
				t.Errorf("fresh entry lost in purge: %v", err)
			}
		})
	}
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Delete("nobody"); err != nil {
				t.Errorf("Delete(missing) error = %v, want nil", err)
			}
		})
	}
}

func TestEntry_FreshWithin(t *testing.T) {
	fresh := entryFor("u1", time.Minute)
	if !fresh.FreshWithin(5 * time.Minute) {
		t.Error("1-minute-old entry should be fresh within 5m")
	}
	stale := entryFor("u1", 10*time.Minute)
	if stale.FreshWithin(5 * time.Minute) {
		t.Error("10-minute-old entry should not be fresh within 5m")
	}
}
