// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"time"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/models"
)

// handleAuthEvent is the auth event dispatcher: a state machine over
// {signed out, signed in(subject)} reacting to push notifications from
// the auth provider. Updates for the same subject are idempotent, so
// last-write-wins ordering between events, timers, and manual refreshes
// is acceptable.
func (e *Engine) handleAuthEvent(ev backend.AuthEvent) {
	cur := e.currentSubject()

	logging.Debug().
		Str("event", string(ev.Type)).
		Str("subject", eventSubject(ev)).
		Str("current", cur).
		Msg("Auth event")

	switch {
	case ev.Type == backend.EventSignedOut || ev.Type == backend.EventUserDeleted:
		e.handleSignedOut()

	case ev.Session == nil:
		// Session gone without an explicit sign-out: treat as expiry.
		if cur != "" {
			logging.Info().Str("subject", cur).Msg("Session expired, clearing state")
			e.handleSignedOut()
		}

	case cur != "" && ev.Session.Subject != cur:
		// Account switch: reset everything, then resolve the new subject.
		logging.Info().
			Str("previous", cur).
			Str("subject", ev.Session.Subject).
			Msg("Account switch")
		e.handleSignedOut()
		e.adoptSession(e.runCtx, ev.Session, e.resolveDelay(ev.Session))

	case ev.Type == backend.EventTokenRefreshed || ev.Type == backend.EventUserUpdated:
		// Subject unchanged: refresh the session object only. A new or
		// previously unknown subject falls through to full adoption.
		if cur == ev.Session.Subject {
			e.setUser(ev.Session)
		} else {
			e.adoptSession(e.runCtx, ev.Session, e.resolveDelay(ev.Session))
		}

	default: // SIGNED_IN
		if cur == ev.Session.Subject {
			e.setUser(ev.Session)
		} else {
			e.adoptSession(e.runCtx, ev.Session, e.resolveDelay(ev.Session))
		}
	}
}

// handleSignedOut clears in-memory derived state and stops the
// reconciliation loops. The durable cache survives; only the explicit
// logout operation erases it.
func (e *Engine) handleSignedOut() {
	e.stopReconciler()
	e.clearDerived()
}

// resolveDelay defers resolution after non-password sign-ins so the
// backend has time to materialize the identity's profile row.
func (e *Engine) resolveDelay(sess *models.Session) time.Duration {
	if sess.Method != models.AuthPassword {
		return e.cfg.ExternalResolveDelay
	}
	return 0
}

func eventSubject(ev backend.AuthEvent) string {
	if ev.Session == nil {
		return ""
	}
	return ev.Session.Subject
}
