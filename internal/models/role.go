// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package models defines the core value types shared across the sync engine:
// roles, profiles, owner status, sessions, and notification payloads.
package models

import "strings"

// Role is a marketplace role. Roles are only ever upgraded by explicit
// backend action (admin grant or approved ownership request); the client
// never downgrades a role on its own.
type Role string

const (
	// RoleUser is the default role for every new account.
	RoleUser Role = "user"

	// RoleOwner is granted after an ownership request is approved.
	RoleOwner Role = "owner"

	// RoleAdmin is granted by explicit admin action, or forced for the
	// configured administrator subject id.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a stored role string. Unknown or empty values map
// to RoleUser so a malformed profile row never produces an invalid role.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOwner:
		return RoleOwner
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// rank orders roles for upgrade checks.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 1
	default:
		return 0
	}
}

// IsUpgradeFrom reports whether moving from prev to r is an upgrade.
// Used by the reconciler to decide whether a role change coming from the
// backend should emit a role-change notice.
func (r Role) IsUpgradeFrom(prev Role) bool {
	return r.rank() > prev.rank()
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}
