// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package models

import "time"

// Profile is the locally resolved view of a profiles row. AvatarURL is
// always either nil or a fully resolved, directly fetchable URL; raw
// storage paths never leave the resolver.
type Profile struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Equal reports whether two profiles carry the same resolved values.
// Fetch timestamps live in the cache entry, not the profile, so identical
// backend state always yields Equal profiles.
func (p *Profile) Equal(other *Profile) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.ID != other.ID || p.FullName != other.FullName || p.Role != other.Role {
		return false
	}
	if (p.AvatarURL == nil) != (other.AvatarURL == nil) {
		return false
	}
	if p.AvatarURL != nil && *p.AvatarURL != *other.AvatarURL {
		return false
	}
	return p.CreatedAt.Equal(other.CreatedAt)
}

// Clone returns a deep copy so snapshot consumers can never alias
// engine-held state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.AvatarURL != nil {
		u := *p.AvatarURL
		cp.AvatarURL = &u
	}
	return &cp
}

// OwnerStatus is the derived, ephemeral view of a subject's ownership
// standing. It is recomputed from the backend and never persisted.
type OwnerStatus struct {
	IsOwner           bool   `json:"is_owner"`
	HasPendingRequest bool   `json:"has_pending_request"`
	RequestStatus     string `json:"request_status"`
	RejectionReason   string `json:"rejection_reason"`
}

// OwnershipRequest mirrors the role-granting-request table rows the
// client reads and writes.
type OwnershipRequest struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	BusinessName    string    `json:"business_name"`
	ContactPhone    string    `json:"contact_phone"`
	Details         string    `json:"details"`
	RejectionReason string    `json:"rejection_reason"`
	CreatedAt       time.Time `json:"created_at"`
}

// Ownership request status values as stored by the backend.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// Message mirrors the messages table columns the engine depends on for
// unread counting and realtime notification routing.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleChangeNotice is the transient UI affordance emitted when the held
// role changes underneath a signed-in session. It auto-clears after a
// fixed window and carries no correctness weight.
type RoleChangeNotice struct {
	Previous Role      `json:"previous_role"`
	New      Role      `json:"new_role"`
	At       time.Time `json:"timestamp"`
}
