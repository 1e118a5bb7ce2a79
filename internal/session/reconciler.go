// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"context"
	"sync"
	"time"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
	"github.com/casavia/casavia/internal/models"
	"github.com/casavia/casavia/internal/retry"
)

// Realtime tables the reconciler subscribes to per signed-in subject.
const (
	tableMessages       = "messages"
	tableProfileUpdates = "profile_updates"
)

// reconciler owns the per-subject background loops and realtime
// subscriptions. All of it is registered at sign-in and cancelled
// atomically at sign-out, so no timer outlives its subject. Callbacks
// still guard on the captured subject: a tick already in flight when the
// subject changes must not resurrect cleared state.
type reconciler struct {
	subject string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []backend.Unsubscribe
}

// startReconciler replaces any running reconciler with one for the
// session's subject and runs the immediate sign-in refreshes.
func (e *Engine) startReconciler(sess *models.Session) {
	e.stopReconciler()

	ctx, cancel := context.WithCancel(e.runCtx)
	r := &reconciler{subject: sess.Subject, cancel: cancel}

	e.mu.Lock()
	e.recon = r
	e.mu.Unlock()

	subject := sess.Subject
	s := *sess

	r.wg.Add(3)
	go e.ownerLoop(ctx, r, subject)
	go e.unreadLoop(ctx, r, subject)
	go e.profileLoop(ctx, r, &s)

	if e.deps.Realtime != nil {
		e.subscribeRealtime(ctx, r, &s)
	}
}

// stopReconciler cancels the running reconciler, tears down its realtime
// subscriptions, and waits for its loops to exit.
func (e *Engine) stopReconciler() {
	e.mu.Lock()
	r := e.recon
	e.recon = nil
	e.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.wg.Wait()
}

// ownerLoop polls owner status: once immediately on sign-in, then on the
// configured interval.
func (e *Engine) ownerLoop(ctx context.Context, r *reconciler, subject string) {
	defer r.wg.Done()

	e.refreshOwnerStatus(ctx, subject, "signin")

	t := time.NewTicker(e.cfg.OwnerStatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.refreshOwnerStatus(ctx, subject, "owner_poll")
		}
	}
}

// unreadLoop polls the unread message count: once immediately on
// sign-in, then on the configured interval.
func (e *Engine) unreadLoop(ctx context.Context, r *reconciler, subject string) {
	defer r.wg.Done()

	e.refreshUnread(ctx, subject, "signin")

	t := time.NewTicker(e.cfg.UnreadInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.refreshUnread(ctx, subject, "unread_poll")
		}
	}
}

// profileLoop refreshes the profile authoritatively: once after the
// warmup delay, then on the configured interval. The warmup run doubles
// as the deferred refresh behind cache-first resolutions.
func (e *Engine) profileLoop(ctx context.Context, r *reconciler, sess *models.Session) {
	defer r.wg.Done()

	warmup := time.NewTimer(e.cfg.ProfileRefreshWarmup)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
		e.backgroundResolve(ctx, sess, "profile_poll")
	}

	t := time.NewTicker(e.cfg.ProfileRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.backgroundResolve(ctx, sess, "profile_poll")
		}
	}
}

// subscribeRealtime wires push notifications that short-circuit the
// polling intervals: new messages addressed to the subject and profile
// update markers for the subject.
func (e *Engine) subscribeRealtime(ctx context.Context, r *reconciler, sess *models.Session) {
	subject := sess.Subject

	unsubMsg, err := e.deps.Realtime.Subscribe(ctx, tableMessages, "recipient_id=eq."+subject,
		func(ev backend.InsertEvent) {
			metrics.RealtimeEvents.WithLabelValues(tableMessages).Inc()
			if e.currentSubject() != subject {
				metrics.ZombieTimerSuppressed.Inc()
				return
			}
			e.noteIncomingMessage(subject)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				e.refreshUnread(ctx, subject, "realtime")
			}()
		})
	if err != nil {
		logging.Warn().Err(err).Str("table", tableMessages).Msg("Realtime subscription failed")
	} else {
		r.unsubs = append(r.unsubs, unsubMsg)
	}

	unsubProf, err := e.deps.Realtime.Subscribe(ctx, tableProfileUpdates, "user_id=eq."+subject,
		func(ev backend.InsertEvent) {
			metrics.RealtimeEvents.WithLabelValues(tableProfileUpdates).Inc()
			if e.currentSubject() != subject {
				metrics.ZombieTimerSuppressed.Inc()
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				e.backgroundResolve(ctx, sess, "realtime")
			}()
		})
	if err != nil {
		logging.Warn().Err(err).Str("table", tableProfileUpdates).Msg("Realtime subscription failed")
	} else {
		r.unsubs = append(r.unsubs, unsubProf)
	}
}

// refreshOwnerStatus recomputes the subject's owner standing. Failures
// keep the previous value; the next tick tries again.
func (e *Engine) refreshOwnerStatus(ctx context.Context, subject, trigger string) {
	metrics.ReconcileTicks.WithLabelValues(trigger).Inc()

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: e.cfg.RetryBaseDelay}
	st, err := retry.Do(ctx, "owner_status", policy, func(ctx context.Context) (*models.OwnerStatus, error) {
		return e.deps.Store.FetchOwnershipStatus(ctx, subject)
	})
	if err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("Owner status refresh failed")
		return
	}
	e.setOwnerStatus(subject, st)
}

// refreshUnread recomputes the unread message count.
func (e *Engine) refreshUnread(ctx context.Context, subject, trigger string) {
	metrics.ReconcileTicks.WithLabelValues(trigger).Inc()

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: e.cfg.RetryBaseDelay}
	n, err := retry.Do(ctx, "unread_count", policy, func(ctx context.Context) (int, error) {
		return e.deps.Store.CountUnreadMessages(ctx, subject)
	})
	if err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("Unread count refresh failed")
		return
	}
	e.setUnread(subject, n)
}

// backgroundResolve runs an authoritative resolution and applies it if
// the subject is still signed in.
func (e *Engine) backgroundResolve(ctx context.Context, sess *models.Session, trigger string) {
	metrics.ReconcileTicks.WithLabelValues(trigger).Inc()

	if e.currentSubject() != sess.Subject {
		metrics.ZombieTimerSuppressed.Inc()
		return
	}
	p, st := e.resolveProfile(ctx, sess, true)
	e.applyResolved(sess.Subject, p, st)
}

// noteIncomingMessage latches the message notification flag for a new
// message addressed to the subject.
func (e *Engine) noteIncomingMessage(subject string) {
	e.mu.Lock()
	if e.user == nil || e.user.Subject != subject {
		e.mu.Unlock()
		metrics.ZombieTimerSuppressed.Inc()
		return
	}
	e.showMsg = true
	e.mu.Unlock()
	e.notify()
}
