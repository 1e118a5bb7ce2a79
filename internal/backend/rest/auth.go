// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
	"github.com/casavia/casavia/internal/models"
)

// sessionState is the adapter's in-memory record of the active session.
type sessionState struct {
	view         *models.Session
	refreshToken string
}

// tokenResponse is the auth endpoint's token grant payload.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	User         userInfo `json:"user"`
}

type userInfo struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	UserMetadata userMetadata `json:"user_metadata"`
	AppMetadata  appMetadata  `json:"app_metadata"`
}

type userMetadata struct {
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

type appMetadata struct {
	Provider string `json:"provider"`
}

// sessionFromToken builds the engine's session view from a token grant.
// The access token's claims are read without signature verification: the
// backend is the verifier; the client only needs subject, expiry, and the
// authentication-method tag.
func sessionFromToken(tr *tokenResponse) *models.Session {
	s := &models.Session{
		Subject:     tr.User.ID,
		Email:       tr.User.Email,
		FullName:    tr.User.UserMetadata.FullName,
		AvatarPath:  tr.User.UserMetadata.AvatarURL,
		AccessToken: tr.AccessToken,
		Method:      models.AuthPassword,
	}
	if tr.User.AppMetadata.Provider != "" && tr.User.AppMetadata.Provider != "email" {
		s.Method = models.AuthOAuth
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time
		}
		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			s.Subject = sub
		}
	}
	if s.ExpiresAt.IsZero() && tr.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return s
}

// authRequest performs an auth-plane call, bypassing the circuit breaker.
func (c *Client) authRequest(ctx context.Context, op, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, query, body)
	if err != nil {
		return backend.NewError(backend.KindFatal, op, err)
	}
	data, _, err := c.do(op, req, nil)
	if err != nil {
		// Auth endpoints answer 400 for bad credentials
		var be *backend.Error
		if errors.As(err, &be) && be.Kind == backend.KindFatal {
			be.Kind = backend.KindUnauthorized
		}
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return backend.NewError(backend.KindFatal, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// setSession installs a session and notifies subscribers.
func (c *Client) setSession(s *models.Session, refreshToken string, ev backend.AuthEventType) {
	c.mu.Lock()
	if s == nil {
		c.session = nil
	} else {
		c.session = &sessionState{view: s, refreshToken: refreshToken}
	}
	handlers := make([]func(backend.AuthEvent), 0, len(c.subscribers))
	for _, h := range c.subscribers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	metrics.AuthEvents.WithLabelValues(string(ev)).Inc()
	event := backend.AuthEvent{Type: ev, Session: s}
	for _, h := range handlers {
		h(event)
	}
}

// CurrentSession implements backend.AuthProvider. An expired session with
// a refresh token is refreshed in place; refresh failure reports signed
// out rather than an error so bootstrap can settle cleanly.
func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	c.mu.RLock()
	st := c.session
	c.mu.RUnlock()

	if st == nil || st.view == nil {
		return nil, nil
	}
	if !st.view.IsExpired() {
		return st.view, nil
	}
	if st.refreshToken == "" {
		c.setSession(nil, "", backend.EventSignedOut)
		return nil, nil
	}

	var tr tokenResponse
	q := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": st.refreshToken}
	if err := c.authRequest(ctx, "refresh_session", "/auth/v1/token", q, body, &tr); err != nil {
		if backend.IsTransient(err) {
			return nil, err
		}
		logging.Warn().Err(err).Msg("Session refresh rejected, treating as signed out")
		c.setSession(nil, "", backend.EventSignedOut)
		return nil, nil
	}

	s := sessionFromToken(&tr)
	c.setSession(s, tr.RefreshToken, backend.EventTokenRefreshed)
	return s, nil
}

// SignInWithPassword implements backend.AuthProvider.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	var tr tokenResponse
	q := url.Values{"grant_type": {"password"}}
	body := map[string]string{"email": email, "password": password}
	if err := c.authRequest(ctx, "sign_in", "/auth/v1/token", q, body, &tr); err != nil {
		return nil, err
	}
	s := sessionFromToken(&tr)
	c.setSession(s, tr.RefreshToken, backend.EventSignedIn)
	return s, nil
}

// SignUp implements backend.AuthProvider. When the backend requires email
// confirmation no token is issued and the returned session is nil.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*models.Session, error) {
	var tr tokenResponse
	body := map[string]interface{}{
		"email":    email,
		"password": password,
		"data":     map[string]string{"full_name": displayName},
	}
	if err := c.authRequest(ctx, "sign_up", "/auth/v1/signup", nil, body, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, nil
	}
	s := sessionFromToken(&tr)
	c.setSession(s, tr.RefreshToken, backend.EventSignedIn)
	return s, nil
}

// SignOut implements backend.AuthProvider. Local state clears even when
// the revocation call fails; a dead backend must not pin a session.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.authRequest(ctx, "sign_out", "/auth/v1/logout", nil, nil, nil)
	c.setSession(nil, "", backend.EventSignedOut)
	if err != nil && !backend.IsUnauthorized(err) {
		return err
	}
	return nil
}

// OAuthAuthorizeURL implements backend.AuthProvider.
func (c *Client) OAuthAuthorizeURL(provider, redirectTo string) string {
	q := url.Values{"provider": {provider}}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return c.baseURL + "/auth/v1/authorize?" + q.Encode()
}

// ExchangeOAuthCode implements backend.AuthProvider.
func (c *Client) ExchangeOAuthCode(ctx context.Context, code string) (*models.Session, error) {
	var tr tokenResponse
	q := url.Values{"grant_type": {"authorization_code"}}
	body := map[string]string{"auth_code": code}
	if err := c.authRequest(ctx, "exchange_oauth_code", "/auth/v1/token", q, body, &tr); err != nil {
		return nil, err
	}
	s := sessionFromToken(&tr)
	c.setSession(s, tr.RefreshToken, backend.EventSignedIn)
	return s, nil
}

// SubscribeAuthEvents implements backend.AuthProvider.
func (c *Client) SubscribeAuthEvents(handler func(backend.AuthEvent)) backend.Unsubscribe {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}
