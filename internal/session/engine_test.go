// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/cache"
	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/models"
)

// stubAuth is an in-memory AuthProvider with call counters.
type stubAuth struct {
	mu            sync.Mutex
	session       *models.Session
	err           error
	block         bool
	sessionCalls  int
	signInCalls   int
	signOutCalls  int
	exchangeCalls int
	exchangeErrs  []error
	handlers      map[int]func(backend.AuthEvent)
	nextID        int
}

func (a *stubAuth) CurrentSession(ctx context.Context) (*models.Session, error) {
	a.mu.Lock()
	a.sessionCalls++
	block := a.block
	sess := a.session
	err := a.err
	a.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return sess, err
}

func (a *stubAuth) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signInCalls++
	return a.session, a.err
}

func (a *stubAuth) SignUp(ctx context.Context, email, password, displayName string) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, a.err
}

func (a *stubAuth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signOutCalls++
	return nil
}

func (a *stubAuth) OAuthAuthorizeURL(provider, redirectTo string) string {
	return "https://auth.example.test/authorize?provider=" + provider
}

func (a *stubAuth) ExchangeOAuthCode(ctx context.Context, code string) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exchangeCalls++
	if len(a.exchangeErrs) > 0 {
		err := a.exchangeErrs[0]
		a.exchangeErrs = a.exchangeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return a.session, nil
}

func (a *stubAuth) SubscribeAuthEvents(handler func(backend.AuthEvent)) backend.Unsubscribe {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handlers == nil {
		a.handlers = make(map[int]func(backend.AuthEvent))
	}
	id := a.nextID
	a.nextID++
	a.handlers[id] = handler
	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}
}

// stubStore is an in-memory DataStore with call counters.
type stubStore struct {
	mu            sync.Mutex
	rows          map[string]*backend.ProfileRow
	fetchErr      error
	fetchCalls    int
	insertErr     error
	insertCalls   int
	updateCalls   int
	updatedRoles  []models.Role
	approved      map[string]*models.OwnershipRequest
	ownerStatus   map[string]*models.OwnerStatus
	unread        map[string]int
	markReadCalls int
	requests      []*models.OwnershipRequest
	requestErr    error
}

func newStubStore() *stubStore {
	return &stubStore{
		rows:        make(map[string]*backend.ProfileRow),
		approved:    make(map[string]*models.OwnershipRequest),
		ownerStatus: make(map[string]*models.OwnerStatus),
		unread:      make(map[string]int),
	}
}

func (s *stubStore) FetchProfile(ctx context.Context, id string) (*backend.ProfileRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	row, okRow := s.rows[id]
	if !okRow {
		return nil, backend.NewError(backend.KindNotFound, "fetch_profile", nil)
	}
	cp := *row
	return &cp, nil
}

func (s *stubStore) InsertProfile(ctx context.Context, row *backend.ProfileRow) (*backend.ProfileRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	cp := *row
	cp.CreatedAt = "2026-03-01T00:00:00Z"
	s.rows[row.ID] = &cp
	out := cp
	return &out, nil
}

func (s *stubStore) UpdateProfileRole(ctx context.Context, id string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	s.updatedRoles = append(s.updatedRoles, role)
	if row, okRow := s.rows[id]; okRow {
		row.Role = string(role)
	}
	return nil
}

func (s *stubStore) FetchApprovedOwnershipRequest(ctx context.Context, userID string) (*models.OwnershipRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, okReq := s.approved[userID]
	if !okReq {
		return nil, backend.NewError(backend.KindNotFound, "fetch_ownership_request", nil)
	}
	cp := *req
	return &cp, nil
}

func (s *stubStore) FetchOwnershipStatus(ctx context.Context, userID string) (*models.OwnerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, okSt := s.ownerStatus[userID]; okSt {
		cp := *st
		return &cp, nil
	}
	return &models.OwnerStatus{}, nil
}

func (s *stubStore) InsertOwnershipRequest(ctx context.Context, req *models.OwnershipRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestErr != nil {
		return s.requestErr
	}
	cp := *req
	s.requests = append(s.requests, &cp)
	return nil
}

func (s *stubStore) CountUnreadMessages(ctx context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[recipientID], nil
}

func (s *stubStore) MarkAllMessagesRead(ctx context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadCalls++
	s.unread[recipientID] = 0
	return nil
}

func (s *stubStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *stubStore) setUnread(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[id] = n
}

// stubRealtime records subscriptions and lets tests push inserts.
type stubRealtime struct {
	mu   sync.Mutex
	subs map[string]func(backend.InsertEvent)
}

func (r *stubRealtime) Subscribe(ctx context.Context, table, filter string, onInsert func(backend.InsertEvent)) (backend.Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]func(backend.InsertEvent))
	}
	r.subs[table] = onInsert
	return func() {
		r.mu.Lock()
		delete(r.subs, table)
		r.mu.Unlock()
	}, nil
}

func (r *stubRealtime) deliver(table string, record map[string]interface{}) {
	r.mu.Lock()
	fn := r.subs[table]
	r.mu.Unlock()
	if fn != nil {
		fn(backend.InsertEvent{Table: table, Record: record})
	}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		AdminSubjectID:         "admin-1",
		ProfileTTL:             5 * time.Minute,
		CachePurgeAge:          24 * time.Hour,
		BootstrapTimeout:       150 * time.Millisecond,
		SessionFetchAttempts:   3,
		ResolveAttempts:        3,
		RetryBaseDelay:         time.Millisecond,
		OwnerStatusInterval:    time.Hour,
		UnreadInterval:         time.Hour,
		ProfileRefreshWarmup:   time.Hour,
		ProfileRefreshInterval: time.Hour,
		ManualRefreshThrottle:  time.Hour,
		RoleNoticeWindow:       40 * time.Millisecond,
		OAuthTimeout:           time.Second,
		OAuthRetryDelay:        5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, auth *stubAuth, store *stubStore, rt backend.RealtimeChannel) (*Engine, *cache.MemoryStore) {
	t.Helper()
	mem := cache.NewMemoryStore()
	eng, err := New(cfg, Deps{
		Auth:     auth,
		Store:    store,
		Realtime: rt,
		Cache:    mem,
		Avatar:   backend.AvatarResolver{PublicBaseURL: "https://cdn.example.test/public"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, mem
}

func passwordSession(subject string) *models.Session {
	return &models.Session{
		Subject:   subject,
		Email:     subject + "@example.test",
		Method:    models.AuthPassword,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func oauthSession(subject string) *models.Session {
	s := passwordSession(subject)
	s.Method = models.AuthOAuth
	s.FullName = "External " + subject
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func userRow(id string) *backend.ProfileRow {
	return &backend.ProfileRow{
		ID:        id,
		FullName:  "Person " + id,
		Role:      "user",
		CreatedAt: "2026-01-15T12:00:00Z",
	}
}

func TestStartBoundedWhenSessionFetchHangs(t *testing.T) {
	auth := &stubAuth{block: true}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, newStubStore(), nil)

	start := time.Now()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	elapsed := time.Since(start)
	defer eng.Stop()

	if elapsed > time.Second {
		t.Errorf("Start took %v, want under 1s", elapsed)
	}
	snap := eng.Snapshot()
	if !snap.AuthInitialized {
		t.Error("AuthInitialized false after bootstrap ceiling")
	}
	if snap.User != nil {
		t.Error("expected signed-out state after degraded bootstrap")
	}
}

func TestBootstrapSettlesSignedOutWithoutSession(t *testing.T) {
	auth := &stubAuth{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, newStubStore(), nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	snap := eng.Snapshot()
	if !snap.AuthInitialized {
		t.Error("AuthInitialized false")
	}
	if snap.User != nil || snap.Profile != nil || snap.Role != "" {
		t.Errorf("expected clean signed-out state, got %+v", snap)
	}
}

func TestBootstrapResolvesSignedInSubject(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{session: passwordSession("u1")}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "profile resolution", func() bool {
		s := eng.Snapshot()
		return s.Profile != nil && s.Resolution == ResolutionResolved
	})
	snap := eng.Snapshot()
	if snap.User == nil || snap.User.Subject != "u1" {
		t.Fatalf("user = %+v, want subject u1", snap.User)
	}
	if snap.Profile.ID != "u1" || snap.Role != models.RoleUser {
		t.Errorf("profile=%+v role=%q", snap.Profile, snap.Role)
	}
}

func TestBootstrapAppliesFreshCacheBeforeResolution(t *testing.T) {
	store := newStubStore()
	auth := &stubAuth{session: passwordSession("u1")}
	// No remote row: the cached value is all the engine can hold.
	eng, mem := newTestEngine(t, testEngineConfig(), auth, store, nil)

	cached := models.Profile{ID: "u1", FullName: "Cached Name", Role: models.RoleOwner}
	if err := mem.Put("u1", &cache.Entry{Profile: cached, Role: models.RoleOwner, FetchedAt: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	waitFor(t, "cached profile applied", func() bool {
		s := eng.Snapshot()
		return s.Profile != nil && s.Profile.FullName == "Cached Name"
	})
	if got := eng.Snapshot().Role; got != models.RoleOwner {
		t.Errorf("role = %q, want owner from cache", got)
	}
	// Fresh cache satisfies the first resolution without a remote fetch.
	if n := store.fetchCount(); n != 0 {
		t.Errorf("remote fetches = %d, want 0 with fresh cache", n)
	}
}

func TestDispatcherSignOutClearsDerivedState(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{}
	eng, mem := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedIn, Session: passwordSession("u1")})
	waitFor(t, "sign-in resolution", func() bool { return eng.Snapshot().Profile != nil })

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedOut})
	snap := eng.Snapshot()
	if snap.User != nil || snap.Profile != nil || snap.Role != "" || snap.OwnerStatus != nil {
		t.Errorf("derived state not cleared: %+v", snap)
	}
	// The durable cache survives implicit sign-out.
	if _, err := mem.Get("u1"); err != nil {
		t.Error("durable cache entry should survive sign-out event")
	}
}

func TestDispatcherAccountSwitch(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	store.rows["u2"] = userRow("u2")
	auth := &stubAuth{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedIn, Session: passwordSession("u1")})
	waitFor(t, "u1 resolution", func() bool {
		s := eng.Snapshot()
		return s.Profile != nil && s.Profile.ID == "u1"
	})

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedIn, Session: passwordSession("u2")})
	waitFor(t, "u2 resolution", func() bool {
		s := eng.Snapshot()
		return s.Profile != nil && s.Profile.ID == "u2"
	})
	if got := eng.Snapshot().User.Subject; got != "u2" {
		t.Errorf("subject = %q, want u2", got)
	}
}

func TestDispatcherSessionExpiryClearsState(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedIn, Session: passwordSession("u1")})
	waitFor(t, "sign-in resolution", func() bool { return eng.Snapshot().Profile != nil })

	// Session vanished without an explicit sign-out event.
	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventTokenRefreshed, Session: nil})
	snap := eng.Snapshot()
	if snap.User != nil || snap.Profile != nil {
		t.Errorf("state not cleared on silent expiry: %+v", snap)
	}
}

func TestTokenRefreshKeepsDerivedState(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedIn, Session: passwordSession("u1")})
	waitFor(t, "sign-in resolution", func() bool { return eng.Snapshot().Profile != nil })
	fetches := store.fetchCount()

	refreshed := passwordSession("u1")
	refreshed.ExpiresAt = time.Now().Add(2 * time.Hour)
	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventTokenRefreshed, Session: refreshed})

	snap := eng.Snapshot()
	if snap.Profile == nil || snap.Profile.ID != "u1" {
		t.Error("profile dropped on token refresh")
	}
	if n := store.fetchCount(); n != fetches {
		t.Errorf("token refresh for a known subject triggered %d extra fetches", n-fetches)
	}
}

func TestZombieCallbacksSuppressedAfterSignOut(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedIn, Session: passwordSession("u1")})
	waitFor(t, "sign-in resolution", func() bool { return eng.Snapshot().Profile != nil })
	eng.handleAuthEvent(backend.AuthEvent{Type: backend.EventSignedOut})

	fetches := store.fetchCount()

	// Callbacks captured for u1 fire after the sign-out.
	eng.backgroundResolve(context.Background(), passwordSession("u1"), "profile_poll")
	if eng.applyResolved("u1", &models.Profile{ID: "u1", Role: models.RoleUser}, ResolutionResolved) {
		t.Error("applyResolved mutated state for a signed-out subject")
	}
	if eng.setUnread("u1", 7) {
		t.Error("setUnread mutated state for a signed-out subject")
	}
	if eng.setOwnerStatus("u1", &models.OwnerStatus{IsOwner: true}) {
		t.Error("setOwnerStatus mutated state for a signed-out subject")
	}

	snap := eng.Snapshot()
	if snap.User != nil || snap.Profile != nil || snap.UnreadCount != 0 || snap.OwnerStatus != nil {
		t.Errorf("zombie callback resurrected state: %+v", snap)
	}
	if n := store.fetchCount(); n != fetches {
		t.Errorf("suppressed background resolve still fetched remotely (%d extra)", n-fetches)
	}
}

func TestManualRefreshThrottled(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{session: passwordSession("u1")}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "initial resolution", func() bool { return eng.Snapshot().Profile != nil })

	before := store.fetchCount()
	first := eng.RefreshProfile(context.Background())
	if !first.Success {
		t.Fatalf("first refresh failed: %s", first.Error)
	}
	afterFirst := store.fetchCount()
	if afterFirst != before+1 {
		t.Errorf("first manual refresh made %d fetches, want 1", afterFirst-before)
	}

	second := eng.RefreshProfile(context.Background())
	if !second.Success {
		t.Fatalf("second refresh failed: %s", second.Error)
	}
	if n := store.fetchCount(); n != afterFirst {
		t.Errorf("throttled refresh still fetched remotely (%d extra)", n-afterFirst)
	}
	p, okProfile := second.Data.(*models.Profile)
	if !okProfile || p == nil || p.ID != "u1" {
		t.Errorf("throttled refresh data = %#v, want held profile", second.Data)
	}
}

func TestLogoutClearsDurableCache(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{session: passwordSession("u1")}
	eng, mem := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "initial resolution", func() bool { return eng.Snapshot().Profile != nil })

	if _, err := mem.Get("u1"); err != nil {
		t.Fatal("expected cache entry after resolution")
	}
	res := eng.Logout(context.Background())
	if !res.Success {
		t.Fatalf("Logout failed: %s", res.Error)
	}
	if _, err := mem.Get("u1"); !errors.Is(err, cache.ErrNotFound) {
		t.Error("durable cache entry should be erased by explicit logout")
	}
	if snap := eng.Snapshot(); snap.User != nil || snap.Profile != nil {
		t.Errorf("state not cleared by logout: %+v", snap)
	}
}

func TestRoleChangeNoticeEmittedAndAutoCleared(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{session: passwordSession("u1")}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "initial resolution", func() bool { return eng.Snapshot().Resolution == ResolutionResolved })

	promoted := &models.Profile{ID: "u1", FullName: "Person u1", Role: models.RoleOwner}
	eng.applyResolved("u1", promoted, ResolutionResolved)

	snap := eng.Snapshot()
	if snap.RoleChangeNotice == nil {
		t.Fatal("expected role change notice")
	}
	if snap.RoleChangeNotice.Previous != models.RoleUser || snap.RoleChangeNotice.New != models.RoleOwner {
		t.Errorf("notice = %+v", snap.RoleChangeNotice)
	}
	if snap.Role != models.RoleOwner {
		t.Errorf("role = %q, want owner applied immediately", snap.Role)
	}

	waitFor(t, "notice auto-clear", func() bool { return eng.Snapshot().RoleChangeNotice == nil })
}

func TestRealtimeMessageShortCircuitsPolling(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{session: passwordSession("u1")}
	rt := &stubRealtime{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, rt)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "initial resolution", func() bool { return eng.Snapshot().Profile != nil })

	store.setUnread("u1", 2)
	rt.deliver(tableMessages, map[string]interface{}{"recipient_id": "u1"})

	waitFor(t, "unread short-circuit", func() bool {
		s := eng.Snapshot()
		return s.UnreadCount == 2 && s.ShowMessageNotification
	})

	eng.ClearMessageNotification()
	if eng.Snapshot().ShowMessageNotification {
		t.Error("notification flag not cleared")
	}
}

func TestMarkAllMessagesRead(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	store.unread["u1"] = 4
	auth := &stubAuth{session: passwordSession("u1")}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "unread count", func() bool { return eng.Snapshot().UnreadCount == 4 })

	res := eng.MarkAllMessagesRead(context.Background())
	if !res.Success {
		t.Fatalf("MarkAllMessagesRead failed: %s", res.Error)
	}
	snap := eng.Snapshot()
	if snap.UnreadCount != 0 || snap.ShowMessageNotification {
		t.Errorf("count=%d notify=%v after mark-read", snap.UnreadCount, snap.ShowMessageNotification)
	}
	if store.markReadCalls != 1 {
		t.Errorf("markReadCalls = %d, want 1", store.markReadCalls)
	}
}

func TestRequestOwnership(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{session: passwordSession("u1")}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "initial resolution", func() bool { return eng.Snapshot().Profile != nil })

	res := eng.RequestOwnership(context.Background(), &models.OwnershipRequest{
		BusinessName: "Seaside Flats",
		ContactPhone: "+35799123456",
	})
	if !res.Success {
		t.Fatalf("RequestOwnership failed: %s", res.Error)
	}
	if len(store.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(store.requests))
	}
	filed := store.requests[0]
	if filed.UserID != "u1" || filed.Status != models.RequestPending {
		t.Errorf("filed = %+v", filed)
	}
}

func TestLoginValidationRejectsBadInput(t *testing.T) {
	auth := &stubAuth{}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, newStubStore(), nil)

	res := eng.Login(context.Background(), "not-an-email", "pw")
	if res.Success {
		t.Fatal("expected validation failure")
	}
	if auth.signInCalls != 0 {
		t.Errorf("signInCalls = %d, want 0 on validation failure", auth.signInCalls)
	}
}

func TestCompleteOAuthRetriesOnce(t *testing.T) {
	store := newStubStore()
	store.rows["u1"] = userRow("u1")
	auth := &stubAuth{
		session:      oauthSession("u1"),
		exchangeErrs: []error{backend.NewError(backend.KindTransient, "oauth_exchange", errors.New("gateway timeout"))},
	}
	cfg := testEngineConfig()
	cfg.ExternalResolveDelay = 0
	eng, _ := newTestEngine(t, cfg, auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	res := eng.CompleteOAuth(context.Background(), "code-123")
	if !res.Success {
		t.Fatalf("CompleteOAuth failed: %s", res.Error)
	}
	if auth.exchangeCalls != 2 {
		t.Errorf("exchangeCalls = %d, want 2 (one retry)", auth.exchangeCalls)
	}
	waitFor(t, "oauth subject resolution", func() bool {
		s := eng.Snapshot()
		return s.User != nil && s.User.Subject == "u1"
	})
}

func TestCapabilityChecks(t *testing.T) {
	store := newStubStore()
	row := userRow("u1")
	row.Role = "owner"
	store.rows["u1"] = row
	auth := &stubAuth{session: passwordSession("u1")}
	eng, _ := newTestEngine(t, testEngineConfig(), auth, store, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	waitFor(t, "owner resolution", func() bool { return eng.Snapshot().Role == models.RoleOwner })

	if !eng.IsOwner() {
		t.Error("IsOwner false for owner role")
	}
	if eng.IsAdmin() {
		t.Error("IsAdmin true for owner role")
	}
	if !eng.Can("listings", "manage") {
		t.Error("owner should manage listings")
	}
	if eng.Can("roles", "grant") {
		t.Error("owner must not grant roles")
	}
}
