// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/models"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.BackendConfig{
		URL:            srv.URL,
		AnonKey:        "anon-key",
		RequestTimeout: 5 * time.Second,
	})
}

func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]backend.ErrorKind{
		http.StatusNotFound:            backend.KindNotFound,
		http.StatusNotAcceptable:       backend.KindNotFound,
		http.StatusUnauthorized:        backend.KindUnauthorized,
		http.StatusForbidden:           backend.KindUnauthorized,
		http.StatusTooManyRequests:     backend.KindTransient,
		http.StatusInternalServerError: backend.KindTransient,
		http.StatusBadGateway:          backend.KindTransient,
		http.StatusBadRequest:          backend.KindFatal,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestFetchProfile_Found(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/profiles" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "eq.u1" {
			t.Errorf("id filter = %q, want eq.u1", got)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("apikey header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"u1","full_name":"Renter One","avatar_url":"","role":"user","created_at":"2026-01-02T03:04:05Z"}]`))
	}))

	row, err := c.FetchProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if row.ID != "u1" || row.FullName != "Renter One" {
		t.Errorf("row = %+v", row)
	}
}

func TestFetchProfile_EmptyResultIsNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := c.FetchProfile(context.Background(), "missing")
	if !backend.IsNotFound(err) {
		t.Errorf("error = %v, want KindNotFound", err)
	}
}

func TestFetchProfile_ServerErrorIsTransient(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.FetchProfile(context.Background(), "u1")
	if !backend.IsTransient(err) {
		t.Errorf("error = %v, want KindTransient", err)
	}
}

func TestCountUnreadMessages_ContentRange(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Prefer"); got != "count=exact" {
			t.Errorf("Prefer = %q", got)
		}
		w.Header().Set("Content-Range", "0-0/7")
		_, _ = w.Write([]byte(`[{"id":"m1"}]`))
	}))

	n, err := c.CountUnreadMessages(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CountUnreadMessages() error = %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
}

func TestParseContentRangeCount(t *testing.T) {
	if n, err := parseContentRangeCount("0-0/42", "op"); err != nil || n != 42 {
		t.Errorf("parse(0-0/42) = %d, %v", n, err)
	}
	if n, err := parseContentRangeCount("*/*", "op"); err != nil || n != 0 {
		t.Errorf("parse(*/*) = %d, %v", n, err)
	}
	if _, err := parseContentRangeCount("garbage", "op"); err == nil {
		t.Error("parse(garbage) = nil error, want failure")
	}
}

func TestSignInWithPassword_BuildsSessionAndEmitsEvent(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, "u1", exp)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + token + `","refresh_token":"r1","expires_in":3600,` +
			`"user":{"id":"u1","email":"a@example.com","user_metadata":{"full_name":"A"},"app_metadata":{"provider":"email"}}}`))
	}))

	var events []backend.AuthEvent
	unsub := c.SubscribeAuthEvents(func(ev backend.AuthEvent) {
		events = append(events, ev)
	})
	defer unsub()

	s, err := c.SignInWithPassword(context.Background(), "a@example.com", "pw")
	if err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	if s.Subject != "u1" {
		t.Errorf("Subject = %q, want u1", s.Subject)
	}
	if s.Method != models.AuthPassword {
		t.Errorf("Method = %q, want password", s.Method)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v (from token claims)", s.ExpiresAt, exp)
	}
	if len(events) != 1 || events[0].Type != backend.EventSignedIn {
		t.Errorf("events = %+v, want one SIGNED_IN", events)
	}

	// The session must now back CurrentSession without a network call
	cur, err := c.CurrentSession(context.Background())
	if err != nil || cur == nil || cur.Subject != "u1" {
		t.Errorf("CurrentSession() = %v, %v", cur, err)
	}
}

func TestSignInWithPassword_BadCredentials(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))

	_, err := c.SignInWithPassword(context.Background(), "a@example.com", "wrong")
	if !backend.IsUnauthorized(err) {
		t.Errorf("error = %v, want KindUnauthorized", err)
	}
}

func TestSignOut_ClearsSessionEvenOnBackendFailure(t *testing.T) {
	calls := 0
	token := signToken(t, "u1", time.Now().Add(time.Hour))
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/auth/v1/token" {
			_, _ = w.Write([]byte(`{"access_token":"` + token + `","refresh_token":"r1","expires_in":3600,"user":{"id":"u1"}}`))
			return
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	if _, err := c.SignInWithPassword(context.Background(), "a@example.com", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	_ = c.SignOut(context.Background())

	cur, err := c.CurrentSession(context.Background())
	if err != nil {
		t.Fatalf("CurrentSession() error = %v", err)
	}
	if cur != nil {
		t.Error("session survived SignOut despite backend failure")
	}
}

func TestOAuthAuthorizeURL(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := c.OAuthAuthorizeURL("google", "casavia://callback")
	if !strings.Contains(u, "/auth/v1/authorize?") {
		t.Errorf("url = %q, want authorize path", u)
	}
	if !strings.Contains(u, "provider=google") {
		t.Errorf("url = %q missing provider", u)
	}
}
