// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package rest implements the backend contracts against the hosted
// service's REST surface: GoTrue-style auth endpoints and PostgREST-style
// table endpoints. All error classification into backend.ErrorKind happens
// here; nothing above this layer inspects HTTP status codes.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
)

// Client speaks to the hosted backend over HTTP. It implements
// backend.AuthProvider and backend.DataStore.
//
// Data-plane calls run through a circuit breaker so a misbehaving backend
// sheds load quickly instead of queueing timeouts. Auth calls bypass the
// breaker: a user actively signing in deserves the real error.
type Client struct {
	baseURL string
	anonKey string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]

	mu          sync.RWMutex
	session     *sessionState
	subscribers map[int]func(backend.AuthEvent)
	nextSubID   int
}

// NewClient creates a REST client for the configured backend.
func NewClient(cfg config.BackendConfig) *Client {
	cbName := "backend-data-plane"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", breakerStateName(from)).
				Str("to", breakerStateName(to)).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, breakerStateName(from), breakerStateName(to)).Inc()
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var no *nonOutage
			return errors.As(err, &no)
		},
	})

	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		anonKey:     cfg.AnonKey,
		httpc:       &http.Client{Timeout: cfg.RequestTimeout},
		breaker:     cb,
		subscribers: make(map[int]func(backend.AuthEvent)),
	}
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// classifyStatus maps an HTTP response status to an error kind.
func classifyStatus(status int) backend.ErrorKind {
	switch {
	case status == http.StatusNotFound || status == http.StatusNotAcceptable:
		// PostgREST answers 406 when a single-object request matches no rows
		return backend.KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backend.KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return backend.KindTransient
	default:
		return backend.KindFatal
	}
}

// AccessToken returns the bearer token other transports should present,
// falling back to the anon key when signed out. The realtime channel
// re-reads it on every connect so reconnects pick up refreshed tokens.
func (c *Client) AccessToken() string {
	return c.accessToken()
}

// accessToken returns the current bearer token, falling back to the anon
// key when signed out.
func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session != nil && c.session.view != nil {
		return c.session.view.AccessToken
	}
	return c.anonKey
}

// newRequest builds a request with the standard headers.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.accessToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes a request and returns the response body, classifying any
// failure into a backend.Error.
func (c *Client) do(op string, req *http.Request, extraHeaders map[string]string) ([]byte, http.Header, error) {
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Context cancellation is the caller's doing, not the backend's
		if errors.Is(err, context.Canceled) {
			return nil, nil, backend.NewError(backend.KindFatal, op, err)
		}
		return nil, nil, backend.NewError(backend.KindTransient, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, backend.NewError(backend.KindTransient, op, err)
	}

	if resp.StatusCode >= 400 {
		kind := classifyStatus(resp.StatusCode)
		return nil, nil, backend.NewError(kind, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)))
	}
	return data, resp.Header, nil
}

// dataPlane runs a data-store request through the circuit breaker and
// records request metrics.
func (c *Client) dataPlane(op string, req *http.Request, extraHeaders map[string]string, headerOut *http.Header) ([]byte, error) {
	data, err := c.breaker.Execute(func() ([]byte, error) {
		body, hdr, err := c.do(op, req, extraHeaders)
		if err != nil {
			// Not-found and auth rejections are answers, not outages;
			// feeding them to the breaker would trip it on RLS denials.
			if backend.IsNotFound(err) || backend.IsUnauthorized(err) {
				return nil, &nonOutage{err}
			}
			return nil, err
		}
		if headerOut != nil {
			*headerOut = hdr
		}
		return body, nil
	})
	if err != nil {
		var no *nonOutage
		if errors.As(err, &no) {
			err = no.err
		} else if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = backend.NewError(backend.KindTransient, op, err)
		}
		metrics.BackendRequests.WithLabelValues(op, backend.KindOf(err).String()).Inc()
		return nil, err
	}
	metrics.BackendRequests.WithLabelValues(op, "ok").Inc()
	return data, nil
}

// nonOutage shields expected answers (not found, RLS denial) from the
// breaker's failure accounting while still surfacing them to the caller.
type nonOutage struct{ err error }

func (n *nonOutage) Error() string { return n.err.Error() }
func (n *nonOutage) Unwrap() error { return n.err }

// getJSON performs a data-plane GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return backend.NewError(backend.KindFatal, op, err)
	}
	data, err := c.dataPlane(op, req, nil, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backend.NewError(backend.KindFatal, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// writeJSON performs a data-plane POST/PATCH and optionally decodes the
// representation the backend returns.
func (c *Client) writeJSON(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return backend.NewError(backend.KindFatal, op, err)
	}
	headers := map[string]string{"Prefer": "return=minimal"}
	if out != nil {
		headers["Prefer"] = "return=representation"
	}
	data, err := c.dataPlane(op, req, headers, nil)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return backend.NewError(backend.KindFatal, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// exactCount performs a data-plane GET that only cares about the matched
// row count, carried in the Content-Range header.
func (c *Client) exactCount(ctx context.Context, op, path string, query url.Values) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return 0, backend.NewError(backend.KindFatal, op, err)
	}
	var hdr http.Header
	_, err = c.dataPlane(op, req, map[string]string{
		"Prefer": "count=exact",
		"Range":  "0-0",
	}, &hdr)
	if err != nil {
		return 0, err
	}
	return parseContentRangeCount(hdr.Get("Content-Range"), op)
}

// parseContentRangeCount extracts the total from "0-0/42" style values.
func parseContentRangeCount(v, op string) (int, error) {
	idx := strings.LastIndex(v, "/")
	if idx < 0 || idx == len(v)-1 {
		return 0, backend.NewError(backend.KindFatal, op, fmt.Errorf("malformed Content-Range %q", v))
	}
	total := v[idx+1:]
	if total == "*" {
		return 0, nil
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, backend.NewError(backend.KindFatal, op, fmt.Errorf("malformed Content-Range %q", v))
	}
	return n, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
