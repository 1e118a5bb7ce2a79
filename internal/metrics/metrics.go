// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package metrics provides Prometheus instrumentation for the sync engine:
// profile resolutions, cache efficiency, backend call outcomes, retry
// pressure, circuit breaker state, and reconciliation activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProfileResolutions counts resolver outcomes by source.
	// source: "cache", "remote", "synthesized", "fallback"
	ProfileResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_profile_resolutions_total",
			Help: "Total profile resolutions by result source",
		},
		[]string{"source"},
	)

	// ProfileResolutionDuration tracks end-to-end resolution latency.
	ProfileResolutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casavia_profile_resolution_duration_seconds",
			Help:    "Duration of profile resolutions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CacheOperations counts durable cache activity.
	// result: "hit", "miss", "stale", "corrupt", "identity_mismatch"
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_cache_operations_total",
			Help: "Durable profile cache lookups by result",
		},
		[]string{"result"},
	)

	// CachePurged counts entries removed by the stale purge at startup.
	CachePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casavia_cache_purged_entries_total",
			Help: "Cache entries removed by the stale purge",
		},
	)

	// BackendRequests counts data store calls by operation and outcome.
	// outcome: "ok", "not_found", "transient", "unauthorized", "fatal"
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_backend_requests_total",
			Help: "Backend data store requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// RetryAttempts counts retry combinator attempts beyond the first.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_retry_attempts_total",
			Help: "Retry attempts beyond the initial call, by operation",
		},
		[]string{"operation"},
	)

	// CircuitBreakerState exposes the data plane breaker state.
	// 0 = closed, 1 = half-open, 2 = open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casavia_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// AuthEvents counts auth provider events seen by the dispatcher.
	AuthEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_auth_events_total",
			Help: "Auth provider events processed by the dispatcher",
		},
		[]string{"event"},
	)

	// ReconcileTicks counts background reconciliation runs by trigger.
	// trigger: "owner_poll", "unread_poll", "profile_poll", "realtime",
	// "manual", "signin"
	ReconcileTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_reconcile_ticks_total",
			Help: "Background reconciliation executions by trigger",
		},
		[]string{"trigger"},
	)

	// ZombieTimerSuppressed counts timer callbacks dropped because the
	// captured subject no longer matches the signed-in subject.
	ZombieTimerSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casavia_zombie_timer_suppressed_total",
			Help: "Timer callbacks suppressed after sign-out or account switch",
		},
	)

	// RealtimeEvents counts realtime channel inserts by table.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casavia_realtime_events_total",
			Help: "Realtime insert notifications received by table",
		},
		[]string{"table"},
	)

	// RealtimeReconnects counts websocket reconnection attempts.
	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casavia_realtime_reconnects_total",
			Help: "Realtime websocket reconnection attempts",
		},
	)

	// BootstrapDegraded counts bootstraps that hit the hard timeout and
	// settled in a degraded state.
	BootstrapDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casavia_bootstrap_degraded_total",
			Help: "Bootstraps that timed out and fell back to a degraded state",
		},
	)

	// UnreadMessages exposes the current unread count for the signed-in
	// subject.
	UnreadMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casavia_unread_messages",
			Help: "Current unread message count for the signed-in subject",
		},
	)
)
