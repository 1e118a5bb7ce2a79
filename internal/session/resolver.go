// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/cache"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
	"github.com/casavia/casavia/internal/models"
)

// resolveProfile produces a profile with a definitive role for the
// session's subject. Unless bypassCache is set, a cache entry within its
// TTL is returned without touching the backend; the periodic background
// refresh keeps it honest. Resolution never fails: after exhausting
// attempts it degrades to the last-known cached value, else a default.
func (e *Engine) resolveProfile(ctx context.Context, sess *models.Session, bypassCache bool) (*models.Profile, ResolutionState) {
	start := time.Now()
	defer func() {
		metrics.ProfileResolutionDuration.Observe(time.Since(start).Seconds())
	}()

	subject := sess.Subject
	if !bypassCache {
		entry, err := e.deps.Cache.Get(subject)
		switch {
		case err == nil && entry.FreshWithin(e.cfg.ProfileTTL):
			metrics.CacheOperations.WithLabelValues("hit").Inc()
			metrics.ProfileResolutions.WithLabelValues("cache").Inc()
			p := entry.Profile.Clone()
			if e.isAdminSubject(subject) {
				p.Role = models.RoleAdmin
			}
			return p, ResolutionResolved
		case err == nil:
			metrics.CacheOperations.WithLabelValues("stale").Inc()
		case errors.Is(err, cache.ErrNotFound):
			metrics.CacheOperations.WithLabelValues("miss").Inc()
		default:
			logging.Warn().Err(err).Str("subject", subject).Msg("Cache read failed")
		}
	}

	attempts := e.cfg.ResolveAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.RetryAttempts.WithLabelValues("profile_resolve").Inc()
			delay := e.cfg.RetryBaseDelay * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return e.fallbackProfile(sess), ResolutionStale
			case <-time.After(delay):
			}
		}

		p, source, err := e.resolveOnce(ctx, sess)
		if err == nil {
			metrics.ProfileResolutions.WithLabelValues(source).Inc()
			e.storeCacheEntry(subject, p)
			return p, ResolutionResolved
		}
		if backend.IsUnauthorized(err) {
			// The session cannot read its own row; retrying won't help.
			logging.Warn().Err(err).Str("subject", subject).Msg("Profile resolution unauthorized")
			break
		}
		logging.Warn().
			Err(err).
			Str("subject", subject).
			Int("attempt", attempt).
			Msg("Profile resolution attempt failed")
	}
	return e.fallbackProfile(sess), ResolutionStale
}

// resolveOnce runs one pass of the ordered resolution algorithm against
// the backend. The administrator override is absolute and precedes every
// other rule.
func (e *Engine) resolveOnce(ctx context.Context, sess *models.Session) (*models.Profile, string, error) {
	subject := sess.Subject

	if e.isAdminSubject(subject) {
		return e.resolveAdmin(ctx, sess)
	}

	row, err := e.deps.Store.FetchProfile(ctx, subject)
	if backend.IsNotFound(err) {
		return e.synthesizeProfile(ctx, sess)
	}
	if err != nil {
		return nil, "", err
	}

	p := e.profileFromRow(row)
	if p.Role == models.RoleUser {
		req, reqErr := e.deps.Store.FetchApprovedOwnershipRequest(ctx, subject)
		if reqErr != nil && !backend.IsNotFound(reqErr) {
			return nil, "", reqErr
		}
		if reqErr == nil && req != nil {
			p.Role = models.RoleOwner
			if uerr := e.deps.Store.UpdateProfileRole(ctx, subject, models.RoleOwner); uerr != nil {
				// Best effort: the promotion holds locally either way and
				// the next resolution retries the write-back.
				logging.Warn().Err(uerr).Str("subject", subject).Msg("Owner promotion write-back failed")
			}
		}
	}
	return p, "remote", nil
}

// resolveAdmin fetches the profile row for display fields and forces the
// admin role regardless of the stored role column.
func (e *Engine) resolveAdmin(ctx context.Context, sess *models.Session) (*models.Profile, string, error) {
	row, err := e.deps.Store.FetchProfile(ctx, sess.Subject)
	if backend.IsNotFound(err) {
		p := e.profileFromSession(sess)
		p.Role = models.RoleAdmin
		return p, "remote", nil
	}
	if err != nil {
		return nil, "", err
	}
	p := e.profileFromRow(row)
	p.Role = models.RoleAdmin
	return p, "remote", nil
}

// synthesizeProfile handles the missing-row case. External-identity
// sign-ins auto-provision a row from the identity's display fields; the
// insert is best effort and never blocks the caller on write success.
// Password sign-ins get a default in-memory profile without an insert.
func (e *Engine) synthesizeProfile(ctx context.Context, sess *models.Session) (*models.Profile, string, error) {
	p := e.profileFromSession(sess)
	if sess.Method != models.AuthPassword {
		row := &backend.ProfileRow{
			ID:        sess.Subject,
			FullName:  p.FullName,
			AvatarURL: sess.AvatarPath,
			Role:      string(models.RoleUser),
		}
		inserted, err := e.deps.Store.InsertProfile(ctx, row)
		if err != nil {
			logging.Warn().Err(err).Str("subject", sess.Subject).Msg("Profile auto-provision insert failed")
		} else if inserted != nil {
			p = e.profileFromRow(inserted)
		}
	}
	return p, "synthesized", nil
}

// fallbackProfile is the degraded outcome after exhausted attempts:
// last-known cached value regardless of age, else a default profile.
// Stale-but-present data always beats an error surface.
func (e *Engine) fallbackProfile(sess *models.Session) *models.Profile {
	metrics.ProfileResolutions.WithLabelValues("fallback").Inc()

	if entry, err := e.deps.Cache.Get(sess.Subject); err == nil {
		p := entry.Profile.Clone()
		p.Role = entry.Role
		if e.isAdminSubject(sess.Subject) {
			p.Role = models.RoleAdmin
		}
		return p
	}

	p := e.profileFromSession(sess)
	if e.isAdminSubject(sess.Subject) {
		p.Role = models.RoleAdmin
	}
	return p
}

// profileFromRow maps a raw table row to the local view, normalizing the
// stored avatar value to a fetchable URL or nil.
func (e *Engine) profileFromRow(row *backend.ProfileRow) *models.Profile {
	created, _ := time.Parse(time.RFC3339, row.CreatedAt)
	return &models.Profile{
		ID:        row.ID,
		FullName:  row.FullName,
		AvatarURL: e.deps.Avatar.Resolve(row.AvatarURL),
		Role:      models.ParseRole(row.Role),
		CreatedAt: created,
	}
}

// profileFromSession builds a default profile from session claims alone.
// CreatedAt stays zero so repeated synthesis yields identical profiles.
func (e *Engine) profileFromSession(sess *models.Session) *models.Profile {
	name := sess.FullName
	if name == "" && sess.Email != "" {
		name = sess.Email[:strings.IndexByte(sess.Email+"@", '@')]
	}
	return &models.Profile{
		ID:        sess.Subject,
		FullName:  name,
		AvatarURL: e.deps.Avatar.Resolve(sess.AvatarPath),
		Role:      models.RoleUser,
	}
}

// storeCacheEntry writes a successful resolution back to the durable
// cache with a fresh timestamp.
func (e *Engine) storeCacheEntry(subject string, p *models.Profile) {
	entry := &cache.Entry{
		Profile:   *p.Clone(),
		Role:      p.Role,
		FetchedAt: time.Now(),
	}
	if err := e.deps.Cache.Put(subject, entry); err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("Cache write failed")
	}
}
