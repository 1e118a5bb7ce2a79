// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package session implements the session/profile reconciliation engine:
// the mapping from an opaque auth session to a resolved local view of
// user, role, profile, owner status, and unread count, kept eventually
// consistent with the backend across restarts, background timers, and
// realtime push notifications.
//
// The engine is an explicitly constructed instance with injected
// collaborators and a Start/Stop lifecycle. Writers race only in the
// last-write-wins sense: every update recomputes full truth from the
// backend rather than applying a delta, so updates for the same subject
// are idempotent.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/casavia/casavia/internal/authz"
	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/cache"
	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
	"github.com/casavia/casavia/internal/models"
)

// Deps are the engine's injected collaborators. Realtime may be nil, in
// which case reconciliation relies on polling alone.
type Deps struct {
	Auth     backend.AuthProvider
	Store    backend.DataStore
	Realtime backend.RealtimeChannel
	Cache    cache.Store
	Avatar   backend.AvatarResolver
	Authz    *authz.Enforcer
}

// Engine owns the reconciliation state machine. All state mutation goes
// through the guarded setters below; reads take consistent snapshots.
type Engine struct {
	cfg  config.EngineConfig
	deps Deps

	mu          sync.RWMutex
	user        *models.Session
	role        models.Role
	profile     *models.Profile
	owner       *models.OwnerStatus
	unread      int
	showMsg     bool
	initialized bool
	roleNotice  *models.RoleChangeNotice
	resolution  ResolutionState
	recon       *reconciler

	subMu  sync.Mutex
	subs   map[uint64]func(Snapshot)
	nextID uint64

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	unsubAuth backend.Unsubscribe
	started   bool
}

// New constructs an engine. It does not touch the backend; call Start.
func New(cfg config.EngineConfig, deps Deps) (*Engine, error) {
	if deps.Auth == nil || deps.Store == nil || deps.Cache == nil {
		return nil, errors.New("session: auth, store, and cache collaborators are required")
	}
	if deps.Authz == nil {
		enf, err := authz.NewEnforcer()
		if err != nil {
			return nil, err
		}
		deps.Authz = enf
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		subs:     make(map[uint64]func(Snapshot)),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Start bootstraps the engine: purges stale cache entries, establishes
// the current session with bounded retries, optimistically applies fresh
// cached state, and registers the long-lived auth event listener. It
// returns once initialization completes or the bootstrap ceiling
// expires; in the latter case the engine settles in a degraded state
// and the in-flight bootstrap finishes in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("session: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	e.runCtx = runCtx
	e.cancel = cancel
	e.unsubAuth = e.deps.Auth.SubscribeAuthEvents(e.handleAuthEvent)

	done := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		e.bootstrap(runCtx)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.BootstrapTimeout):
		e.degradeBootstrap()
	case <-ctx.Done():
		e.degradeBootstrap()
	}
	return nil
}

// Stop tears the engine down: cancels every reconciliation loop and
// in-flight resolve, detaches the auth listener, and waits for all
// goroutines to exit. The durable cache is left intact.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	if e.unsubAuth != nil {
		e.unsubAuth()
	}
	e.stopReconciler()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	logging.Info().Msg("Session engine stopped")
}

// Snapshot returns a consistent deep copy of the consumer-facing state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Role:                    e.role,
		Profile:                 e.profile.Clone(),
		UnreadCount:             e.unread,
		ShowMessageNotification: e.showMsg,
		AuthInitialized:         e.initialized,
		Resolution:              e.resolution,
	}
	if e.user != nil {
		u := *e.user
		snap.User = &u
	}
	if e.owner != nil {
		o := *e.owner
		snap.OwnerStatus = &o
	}
	if e.roleNotice != nil {
		n := *e.roleNotice
		snap.RoleChangeNotice = &n
	}
	return snap
}

// Subscribe registers a snapshot listener invoked after every state
// change. The listener runs on the mutating goroutine and must not block.
func (e *Engine) Subscribe(fn func(Snapshot)) backend.Unsubscribe {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) notify() {
	snap := e.Snapshot()
	e.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (e *Engine) currentSubject() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.user == nil {
		return ""
	}
	return e.user.Subject
}

func (e *Engine) currentSession() *models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.user == nil {
		return nil
	}
	u := *e.user
	return &u
}

func (e *Engine) isAdminSubject(subject string) bool {
	return e.cfg.AdminSubjectID != "" && subject == e.cfg.AdminSubjectID
}

// setUser installs the session without disturbing derived state. Used
// for token refreshes and repeat sign-in events for the same subject.
func (e *Engine) setUser(sess *models.Session) {
	e.mu.Lock()
	u := *sess
	e.user = &u
	e.mu.Unlock()
	e.notify()
}

// applyOptimistic installs a fresh cache entry for first paint before
// the authoritative resolution lands.
func (e *Engine) applyOptimistic(subject string, entry *cache.Entry) {
	e.mu.Lock()
	if e.user == nil || e.user.Subject != subject {
		e.mu.Unlock()
		metrics.ZombieTimerSuppressed.Inc()
		return
	}
	p := entry.Profile.Clone()
	role := entry.Role
	if e.isAdminSubject(subject) {
		role = models.RoleAdmin
		p.Role = models.RoleAdmin
	}
	e.profile = p
	e.role = role
	e.resolution = ResolutionOptimistic
	e.mu.Unlock()

	metrics.ProfileResolutions.WithLabelValues("cache").Inc()
	e.notify()
}

// applyResolved installs a resolution outcome for the subject. Returns
// false when the subject signed out or switched since the resolution
// started; in that case no state is mutated.
func (e *Engine) applyResolved(subject string, p *models.Profile, st ResolutionState) bool {
	e.mu.Lock()
	if e.user == nil || e.user.Subject != subject {
		e.mu.Unlock()
		metrics.ZombieTimerSuppressed.Inc()
		return false
	}
	prev := e.role
	e.profile = p.Clone()
	e.role = p.Role
	e.resolution = st
	var notice *models.RoleChangeNotice
	if prev != "" && prev != p.Role {
		notice = &models.RoleChangeNotice{Previous: prev, New: p.Role, At: time.Now()}
		e.roleNotice = notice
	}
	e.mu.Unlock()

	if notice != nil {
		logging.Info().
			Str("subject", subject).
			Str("previous_role", string(notice.Previous)).
			Str("new_role", string(notice.New)).
			Msg("Role changed")
		e.scheduleNoticeClear(notice)
	}
	e.notify()
	return true
}

// scheduleNoticeClear auto-clears a role-change notice after the notice
// window, unless a newer notice replaced it first.
func (e *Engine) scheduleNoticeClear(notice *models.RoleChangeNotice) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.runCtx.Done():
			return
		case <-time.After(e.cfg.RoleNoticeWindow):
		}
		e.mu.Lock()
		cleared := e.roleNotice == notice
		if cleared {
			e.roleNotice = nil
		}
		e.mu.Unlock()
		if cleared {
			e.notify()
		}
	}()
}

func (e *Engine) setOwnerStatus(subject string, st *models.OwnerStatus) bool {
	e.mu.Lock()
	if e.user == nil || e.user.Subject != subject {
		e.mu.Unlock()
		metrics.ZombieTimerSuppressed.Inc()
		return false
	}
	o := *st
	e.owner = &o
	e.mu.Unlock()
	e.notify()
	return true
}

// setUnread installs a new unread count. The message notification flag
// latches on when the count rises and stays until explicitly cleared.
func (e *Engine) setUnread(subject string, n int) bool {
	e.mu.Lock()
	if e.user == nil || e.user.Subject != subject {
		e.mu.Unlock()
		metrics.ZombieTimerSuppressed.Inc()
		return false
	}
	if n > e.unread {
		e.showMsg = true
	}
	e.unread = n
	e.mu.Unlock()

	metrics.UnreadMessages.Set(float64(n))
	e.notify()
	return true
}

// clearDerived wipes user, role, profile, owner status, and counters from
// memory. The durable cache is untouched; only the explicit logout
// operation clears it.
func (e *Engine) clearDerived() {
	e.mu.Lock()
	e.user = nil
	e.role = ""
	e.profile = nil
	e.owner = nil
	e.unread = 0
	e.showMsg = false
	e.roleNotice = nil
	e.resolution = ResolutionUnresolved
	e.mu.Unlock()

	metrics.UnreadMessages.Set(0)
	e.notify()
}

func (e *Engine) markInitialized() {
	e.mu.Lock()
	already := e.initialized
	e.initialized = true
	e.mu.Unlock()
	if !already {
		e.notify()
	}
}

// limiter returns the manual-refresh limiter for a subject.
func (e *Engine) limiter(subject string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	lim, okSub := e.limiters[subject]
	if !okSub {
		lim = rate.NewLimiter(rate.Every(e.cfg.ManualRefreshThrottle), 1)
		e.limiters[subject] = lim
	}
	return lim
}
