// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package retry provides a bounded retry combinator for backend calls.
// Only transient failures are retried; not-found, unauthorized, and fatal
// classifications return immediately. Retry policy lives here, not in the
// business logic that uses it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means 10x BaseDelay.
	MaxDelay time.Duration
}

// newBackOff builds the backoff sequence for one Do invocation.
// ExponentialBackOff carries per-use state, so each call gets its own.
func (p Policy) newBackOff() backoff.BackOff {
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = 10 * p.BaseDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0 // attempts bound the loop, not wall time
	b.Reset()
	return b
}

// Do runs fn up to policy.MaxAttempts times, sleeping per the backoff
// sequence between attempts. It returns fn's first success, or the last
// error once attempts are exhausted or a non-retryable error appears.
func Do[T any](ctx context.Context, op string, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	bo := policy.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RetryAttempts.WithLabelValues(op).Inc()
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !backend.IsTransient(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		logging.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Transient failure, backing off")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
