// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"github.com/casavia/casavia/internal/models"
)

// ResolutionState tracks how trustworthy the held profile currently is.
// Transitions only move through the resolver and the dispatcher; consumers
// read it to decide whether the view is first-paint optimism or truth.
type ResolutionState int

const (
	// ResolutionUnresolved means no profile is held for the subject.
	ResolutionUnresolved ResolutionState = iota

	// ResolutionOptimistic means the held profile came from a fresh cache
	// entry applied before the authoritative fetch completed.
	ResolutionOptimistic

	// ResolutionResolved means the held profile reflects a successful
	// authoritative resolution (or a cache entry within its TTL).
	ResolutionResolved

	// ResolutionStale means every resolution attempt failed and the held
	// profile is a last-known-good fallback.
	ResolutionStale
)

func (s ResolutionState) String() string {
	switch s {
	case ResolutionOptimistic:
		return "optimistic"
	case ResolutionResolved:
		return "resolved"
	case ResolutionStale:
		return "stale"
	default:
		return "unresolved"
	}
}

// Snapshot is a point-in-time copy of the engine's consumer-facing state.
// All reference fields are deep copies; mutating a snapshot never touches
// engine-held state.
type Snapshot struct {
	User                    *models.Session
	Role                    models.Role
	Profile                 *models.Profile
	OwnerStatus             *models.OwnerStatus
	UnreadCount             int
	ShowMessageNotification bool
	AuthInitialized         bool
	RoleChangeNotice        *models.RoleChangeNotice
	Resolution              ResolutionState
}

// Result is the uniform operation outcome returned to callers. Callers
// branch on Success; Error is a display string, never a wrapped error
// chain.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(data interface{}) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

func failMsg(msg string) Result {
	return Result{Success: false, Error: msg}
}
