// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package backend defines the contracts the sync engine consumes from the
// hosted backend-as-a-service: auth provider, data store, realtime channel,
// and avatar resolution. Concrete adapters live in backend/rest and
// backend/realtime; tests substitute in-memory fakes.
//
// Error classification happens here, in the adapter layer. The engine
// branches on ErrorKind, never on message substrings.
package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend failure for the engine's control flow.
type ErrorKind int

const (
	// KindFatal is a non-retryable failure (malformed request, server bug).
	KindFatal ErrorKind = iota

	// KindNotFound means the addressed row does not exist. Not an error
	// for the resolver: it triggers profile synthesis.
	KindNotFound

	// KindTransient is a retryable failure: network error, timeout,
	// rate limit, 5xx.
	KindTransient

	// KindUnauthorized means the credentials or token were rejected.
	// Never retried.
	KindUnauthorized
)

// String returns the kind name for logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "fatal"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind ErrorKind
	Op   string // operation name, e.g. "fetch_profile"
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified backend error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report KindFatal so they are never retried by accident.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindFatal
}

// IsNotFound reports whether err is a not-found classification.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}
