// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"context"
	"time"

	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
	"github.com/casavia/casavia/internal/models"
	"github.com/casavia/casavia/internal/retry"
)

// bootstrap establishes a consistent view on process start: purge stale
// cache entries, fetch the current session with bounded retries, apply
// fresh cached state for non-blank first paint, then resolve
// authoritatively in the background. Initialization is marked complete
// as soon as the session question is settled; the authoritative fetch
// never blocks it.
func (e *Engine) bootstrap(ctx context.Context) {
	if n, err := e.deps.Cache.PurgeStale(e.cfg.CachePurgeAge); err != nil {
		logging.Warn().Err(err).Msg("Stale cache purge failed")
	} else if n > 0 {
		logging.Info().Int("purged", n).Msg("Purged stale cache entries")
	}

	policy := retry.Policy{
		MaxAttempts: e.cfg.SessionFetchAttempts,
		BaseDelay:   e.cfg.RetryBaseDelay,
	}
	sess, err := retry.Do(ctx, "session_fetch", policy, func(ctx context.Context) (*models.Session, error) {
		return e.deps.Auth.CurrentSession(ctx)
	})
	if err != nil {
		// Settle signed-out rather than hang; a later auth event still
		// recovers the session.
		logging.Warn().Err(err).Msg("Session fetch failed, settling signed out")
		e.markInitialized()
		return
	}
	if sess == nil {
		e.markInitialized()
		return
	}

	e.adoptSession(ctx, sess, 0)
	e.markInitialized()
}

// degradeBootstrap is invoked when the bootstrap ceiling expires before
// the session question settles. If the administrator subject was already
// applied, its role is forced so the degraded view stays safe; otherwise
// the view is signed-out-equivalent. The in-flight bootstrap keeps
// running and reconciles whenever it completes.
func (e *Engine) degradeBootstrap() {
	metrics.BootstrapDegraded.Inc()

	e.mu.Lock()
	subject := ""
	if e.user != nil {
		subject = e.user.Subject
	}
	if subject != "" && e.isAdminSubject(subject) {
		e.role = models.RoleAdmin
		if e.profile != nil {
			e.profile.Role = models.RoleAdmin
		}
	}
	e.mu.Unlock()

	logging.Warn().
		Str("subject", subject).
		Dur("timeout", e.cfg.BootstrapTimeout).
		Msg("Bootstrap timed out, continuing degraded")
	e.markInitialized()
}

// adoptSession installs a session and kicks off resolution for its
// subject: optimistic cache apply when fresh, reconciliation loops, and
// an asynchronous authoritative resolve. delay defers the resolve to
// tolerate provider-side propagation lag after external-identity
// sign-ins.
func (e *Engine) adoptSession(ctx context.Context, sess *models.Session, delay time.Duration) {
	e.setUser(sess)

	if entry, err := e.deps.Cache.Get(sess.Subject); err == nil && entry.FreshWithin(e.cfg.ProfileTTL) {
		e.applyOptimistic(sess.Subject, entry)
	}

	e.startReconciler(sess)

	subject := sess.Subject
	s := *sess
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if e.currentSubject() != subject {
			metrics.ZombieTimerSuppressed.Inc()
			return
		}
		p, st := e.resolveProfile(ctx, &s, false)
		e.applyResolved(subject, p, st)
	}()
}
