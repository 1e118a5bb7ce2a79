// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
	"github.com/casavia/casavia/internal/models"
	"github.com/casavia/casavia/internal/validation"
)

type loginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type signupInput struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"required,min=8"`
	DisplayName string `validate:"required,min=2,max=100"`
}

// Login signs in with email and password. Authentication failures come
// back as result data, never as a raised error, and are not retried.
func (e *Engine) Login(ctx context.Context, email, password string) Result {
	if err := validation.ValidateStruct(&loginInput{Email: email, Password: password}); err != nil {
		return fail(err)
	}
	sess, err := e.deps.Auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		logging.Warn().Err(err).Str("email", email).Msg("Sign-in failed")
		return fail(err)
	}
	e.adoptSession(e.runCtx, sess, 0)
	return ok(sess)
}

// Signup registers a new account. The returned session is nil when the
// backend requires email confirmation before sign-in.
func (e *Engine) Signup(ctx context.Context, email, password, displayName string) Result {
	in := &signupInput{Email: email, Password: password, DisplayName: displayName}
	if err := validation.ValidateStruct(in); err != nil {
		return fail(err)
	}
	sess, err := e.deps.Auth.SignUp(ctx, email, password, displayName)
	if err != nil {
		logging.Warn().Err(err).Str("email", email).Msg("Sign-up failed")
		return fail(err)
	}
	if sess != nil {
		e.adoptSession(e.runCtx, sess, 0)
	}
	return ok(sess)
}

// Logout revokes the session, clears in-memory state, and erases the
// subject's durable cache entry. Local teardown happens even when the
// remote revocation fails.
func (e *Engine) Logout(ctx context.Context) Result {
	subject := e.currentSubject()

	if err := e.deps.Auth.SignOut(ctx); err != nil {
		logging.Warn().Err(err).Msg("Remote sign-out failed, clearing local state anyway")
	}
	e.handleSignedOut()

	if subject != "" {
		if err := e.deps.Cache.Delete(subject); err != nil {
			logging.Warn().Err(err).Str("subject", subject).Msg("Cache delete on logout failed")
		}
	}
	return ok(nil)
}

// BeginOAuth returns the authorize URL that starts the external identity
// provider redirect flow.
func (e *Engine) BeginOAuth(provider, redirectTo string) Result {
	if provider == "" {
		return failMsg("oauth provider is required")
	}
	return ok(e.deps.Auth.OAuthAuthorizeURL(provider, redirectTo))
}

// CompleteOAuth exchanges the callback code for a session under a hard
// ceiling, with one retry after a short delay. A timeout settles signed
// out rather than spinning.
func (e *Engine) CompleteOAuth(ctx context.Context, code string) Result {
	if code == "" {
		return failMsg("oauth code is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OAuthTimeout)
	defer cancel()

	sess, err := e.deps.Auth.ExchangeOAuthCode(ctx, code)
	if err != nil {
		select {
		case <-ctx.Done():
			return failMsg("oauth exchange timed out")
		case <-time.After(e.cfg.OAuthRetryDelay):
		}
		sess, err = e.deps.Auth.ExchangeOAuthCode(ctx, code)
		if err != nil {
			logging.Warn().Err(err).Msg("OAuth code exchange failed")
			return fail(err)
		}
	}
	e.adoptSession(e.runCtx, sess, e.cfg.ExternalResolveDelay)
	return ok(sess)
}

// RefreshProfile re-resolves the current subject's profile, bypassing
// the cache-freshness short-circuit, and refreshes owner status and
// unread count as a side effect. Repeat calls inside the throttle window
// return the held profile unchanged while one is held.
func (e *Engine) RefreshProfile(ctx context.Context) Result {
	sess := e.currentSession()
	if sess == nil {
		return failMsg("not signed in")
	}

	if !e.limiter(sess.Subject).Allow() {
		e.mu.RLock()
		held := e.profile.Clone()
		e.mu.RUnlock()
		if held != nil {
			return ok(held)
		}
	}

	metrics.ReconcileTicks.WithLabelValues("manual").Inc()
	p, st := e.resolveProfile(ctx, sess, true)
	e.applyResolved(sess.Subject, p, st)
	e.refreshOwnerStatus(ctx, sess.Subject, "manual")
	e.refreshUnread(ctx, sess.Subject, "manual")
	return ok(p.Clone())
}

// RefreshOwnerStatus recomputes the current subject's owner standing on
// demand.
func (e *Engine) RefreshOwnerStatus(ctx context.Context) Result {
	subject := e.currentSubject()
	if subject == "" {
		return failMsg("not signed in")
	}
	e.refreshOwnerStatus(ctx, subject, "manual")

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.owner == nil {
		return failMsg("owner status unavailable")
	}
	o := *e.owner
	return ok(&o)
}

// RequestOwnership files an ownership request for the current subject
// and refreshes owner standing so the pending state shows immediately.
func (e *Engine) RequestOwnership(ctx context.Context, req *models.OwnershipRequest) Result {
	subject := e.currentSubject()
	if subject == "" {
		return failMsg("not signed in")
	}
	if req == nil || req.BusinessName == "" {
		return failMsg("business name is required")
	}

	filed := *req
	if filed.ID == "" {
		filed.ID = uuid.NewString()
	}
	filed.UserID = subject
	filed.Status = models.RequestPending
	if err := e.deps.Store.InsertOwnershipRequest(ctx, &filed); err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("Ownership request failed")
		return fail(err)
	}
	e.refreshOwnerStatus(ctx, subject, "manual")
	return ok(&filed)
}

// MarkAllMessagesRead flags every message addressed to the current
// subject as read and zeroes the local count.
func (e *Engine) MarkAllMessagesRead(ctx context.Context) Result {
	subject := e.currentSubject()
	if subject == "" {
		return failMsg("not signed in")
	}
	if err := e.deps.Store.MarkAllMessagesRead(ctx, subject); err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("Mark messages read failed")
		return fail(err)
	}

	e.mu.Lock()
	if e.user != nil && e.user.Subject == subject {
		e.unread = 0
		e.showMsg = false
	}
	e.mu.Unlock()
	metrics.UnreadMessages.Set(0)
	e.notify()
	return ok(nil)
}

// ClearMessageNotification drops the transient new-message flag.
func (e *Engine) ClearMessageNotification() {
	e.mu.Lock()
	e.showMsg = false
	e.mu.Unlock()
	e.notify()
}

// ClearRoleChangeNotification drops the transient role-change notice.
func (e *Engine) ClearRoleChangeNotification() {
	e.mu.Lock()
	e.roleNotice = nil
	e.mu.Unlock()
	e.notify()
}

// IsAdmin reports whether the held role grants the admin surface.
func (e *Engine) IsAdmin() bool {
	e.mu.RLock()
	role := e.role
	e.mu.RUnlock()
	if role == "" {
		return false
	}
	return e.deps.Authz.IsAdmin(role)
}

// IsOwner reports whether the held role grants the owner surface.
func (e *Engine) IsOwner() bool {
	e.mu.RLock()
	role := e.role
	e.mu.RUnlock()
	if role == "" {
		return false
	}
	return e.deps.Authz.IsOwner(role)
}

// Can checks a capability for the held role against the embedded policy.
func (e *Engine) Can(object, action string) bool {
	e.mu.RLock()
	role := e.role
	e.mu.RUnlock()
	if role == "" {
		return false
	}
	allowed, err := e.deps.Authz.Can(role, object, action)
	if err != nil {
		logging.Warn().Err(err).Str("object", object).Str("action", action).Msg("Authorization check failed")
		return false
	}
	return allowed
}
