// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package backend

import (
	"context"

	"github.com/casavia/casavia/internal/models"
)

// AuthEventType enumerates the push notifications the auth provider emits.
type AuthEventType string

const (
	EventSignedIn       AuthEventType = "SIGNED_IN"
	EventSignedOut      AuthEventType = "SIGNED_OUT"
	EventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEventType = "USER_UPDATED"
	EventUserDeleted    AuthEventType = "USER_DELETED"
)

// AuthEvent is a push notification from the auth provider. Session is nil
// for signed-out events.
type AuthEvent struct {
	Type    AuthEventType
	Session *models.Session
}

// Unsubscribe tears down a subscription. Safe to call more than once.
type Unsubscribe func()

// AuthProvider is the engine's view of the hosted authentication service.
type AuthProvider interface {
	// CurrentSession returns the active session, or nil without error when
	// signed out.
	CurrentSession(ctx context.Context) (*models.Session, error)

	// SignInWithPassword performs email+password sign-in.
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)

	// SignUp registers a new account. Depending on backend settings the
	// returned session may be nil (email confirmation pending).
	SignUp(ctx context.Context, email, password, displayName string) (*models.Session, error)

	// SignOut revokes the current session.
	SignOut(ctx context.Context) error

	// OAuthAuthorizeURL returns the redirect URL that starts the external
	// identity provider flow.
	OAuthAuthorizeURL(provider, redirectTo string) string

	// ExchangeOAuthCode completes the redirect flow by exchanging the
	// callback code for a session.
	ExchangeOAuthCode(ctx context.Context, code string) (*models.Session, error)

	// SubscribeAuthEvents registers a handler for subsequent auth events.
	SubscribeAuthEvents(handler func(AuthEvent)) Unsubscribe
}

// ProfileRow is the raw profiles table row as stored remotely. AvatarURL
// may be a bare storage path; resolution to a public URL happens in the
// engine via AvatarResolver.
type ProfileRow struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// DataStore is the engine's view of the row-level-security-protected
// tables it reads and writes.
type DataStore interface {
	// FetchProfile returns the profile row for a subject id, or a
	// KindNotFound error when the row is absent.
	FetchProfile(ctx context.Context, id string) (*ProfileRow, error)

	// InsertProfile creates a profile row. Used for auto-provisioning
	// external-identity sign-ins.
	InsertProfile(ctx context.Context, row *ProfileRow) (*ProfileRow, error)

	// UpdateProfileRole writes the role column for a subject.
	UpdateProfileRole(ctx context.Context, id string, role models.Role) error

	// FetchApprovedOwnershipRequest returns the approved ownership request
	// for a subject, or a KindNotFound error when none exists.
	FetchApprovedOwnershipRequest(ctx context.Context, userID string) (*models.OwnershipRequest, error)

	// FetchOwnershipStatus computes the subject's current owner standing
	// from the request table.
	FetchOwnershipStatus(ctx context.Context, userID string) (*models.OwnerStatus, error)

	// InsertOwnershipRequest files a new ownership request.
	InsertOwnershipRequest(ctx context.Context, req *models.OwnershipRequest) error

	// CountUnreadMessages returns the unread message count for a recipient.
	CountUnreadMessages(ctx context.Context, recipientID string) (int, error)

	// MarkAllMessagesRead flags every message addressed to the recipient
	// as read.
	MarkAllMessagesRead(ctx context.Context, recipientID string) error
}

// InsertEvent is a realtime row-insert notification.
type InsertEvent struct {
	Table string
	// Record holds the inserted row's columns as loosely typed values.
	Record map[string]interface{}
}

// RealtimeChannel delivers row-insert notifications for a signed-in
// subject. Implementations must stop delivering after Unsubscribe.
type RealtimeChannel interface {
	// Subscribe starts delivery of inserts on table rows matching the
	// column filter (e.g. "recipient_id=eq.<subject>").
	Subscribe(ctx context.Context, table, filter string, onInsert func(InsertEvent)) (Unsubscribe, error)
}
