// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package models

import "time"

// AuthMethod tags how a session was established. The resolver treats
// non-password identities specially: missing profile rows are synthesized
// from the identity's display fields.
type AuthMethod string

const (
	// AuthPassword is email+password sign-in.
	AuthPassword AuthMethod = "password"

	// AuthOAuth is any external identity provider (redirect flow).
	AuthOAuth AuthMethod = "oauth"
)

// Session is the engine's read-only view of the auth provider's session.
// The access token itself is opaque; only the claims below are consumed.
type Session struct {
	// Subject is the authenticated subject id (profile primary key).
	Subject string

	// Email is the account email, when the provider exposes it.
	Email string

	// Method is the authentication method tag from the token claims.
	Method AuthMethod

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time

	// FullName and AvatarPath are display hints carried in the identity
	// metadata of external providers. Used only for profile synthesis.
	FullName   string
	AvatarPath string

	// AccessToken is the raw bearer token, forwarded to the data store
	// and realtime channel.
	AccessToken string
}

// IsExpired reports whether the session's token is past its expiry.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}
