// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package config loads and validates application configuration using
// Koanf v2 with layered sources: struct defaults, optional YAML file,
// then environment variables (highest priority).
//
// Shipped builds have disagreed on nearly every TTL and retry count,
// so all of them live here as tunables rather than constants.
package config

import (
	"fmt"
	"time"

	"github.com/casavia/casavia/internal/validation"
)

// Config is the root configuration for the sync engine.
type Config struct {
	Backend  BackendConfig  `koanf:"backend"`
	Engine   EngineConfig   `koanf:"engine"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Cache    CacheConfig    `koanf:"cache"`
	Ops      OpsConfig      `koanf:"ops"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// BackendConfig describes the hosted backend-as-a-service endpoints.
type BackendConfig struct {
	// URL is the backend project base URL, e.g. https://xyz.example.co
	URL string `koanf:"url" validate:"required,url"`

	// AnonKey is the public API key sent with every request.
	AnonKey string `koanf:"anon_key" validate:"required"`

	// StoragePublicURL is the public object storage base used to resolve
	// avatar paths. Defaults to <URL>/storage/v1/object/public.
	StoragePublicURL string `koanf:"storage_public_url" validate:"omitempty,url"`

	// RequestTimeout bounds every individual HTTP call.
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"required"`
}

// EngineConfig holds the reconciliation engine tunables.
type EngineConfig struct {
	// AdminSubjectID always resolves to the admin role, regardless of the
	// stored profile row. Optional.
	AdminSubjectID string `koanf:"admin_subject_id"`

	// ProfileTTL is the cache freshness window for first-resolution use.
	ProfileTTL time.Duration `koanf:"profile_ttl" validate:"required"`

	// CachePurgeAge is the staleness bound past which entries are purged
	// at startup.
	CachePurgeAge time.Duration `koanf:"cache_purge_age" validate:"required"`

	// BootstrapTimeout is the hard ceiling on initialization.
	BootstrapTimeout time.Duration `koanf:"bootstrap_timeout" validate:"required"`

	// SessionFetchAttempts bounds session-fetch retries at bootstrap.
	SessionFetchAttempts int `koanf:"session_fetch_attempts" validate:"min=1,max=10"`

	// ResolveAttempts bounds full profile-resolution attempts (the first
	// try plus retries).
	ResolveAttempts int `koanf:"resolve_attempts" validate:"min=1,max=10"`

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"required"`

	// OwnerStatusInterval is the owner-status poll period while signed in.
	OwnerStatusInterval time.Duration `koanf:"owner_status_interval" validate:"required"`

	// UnreadInterval is the unread-message poll period while signed in.
	UnreadInterval time.Duration `koanf:"unread_interval" validate:"required"`

	// ProfileRefreshWarmup delays the first background profile refresh
	// after sign-in.
	ProfileRefreshWarmup time.Duration `koanf:"profile_refresh_warmup" validate:"required"`

	// ProfileRefreshInterval is the background profile refresh period.
	ProfileRefreshInterval time.Duration `koanf:"profile_refresh_interval" validate:"required"`

	// ManualRefreshThrottle suppresses repeat manual refreshes inside the
	// window when a profile is already held.
	ManualRefreshThrottle time.Duration `koanf:"manual_refresh_throttle" validate:"required"`

	// ExternalResolveDelay defers resolution after non-password sign-in to
	// tolerate provider-side propagation lag.
	ExternalResolveDelay time.Duration `koanf:"external_resolve_delay"`

	// RoleNoticeWindow is how long a role-change notice stays visible.
	RoleNoticeWindow time.Duration `koanf:"role_notice_window" validate:"required"`

	// OAuthTimeout is the ceiling on the OAuth code-exchange path.
	OAuthTimeout time.Duration `koanf:"oauth_timeout" validate:"required"`

	// OAuthRetryDelay is the wait before the single OAuth exchange retry.
	OAuthRetryDelay time.Duration `koanf:"oauth_retry_delay" validate:"required"`
}

// RealtimeConfig holds realtime websocket channel settings.
type RealtimeConfig struct {
	Enabled           bool          `koanf:"enabled"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"required"`
	MaxReconnectDelay time.Duration `koanf:"max_reconnect_delay" validate:"required"`
}

// CacheConfig holds durable cache settings.
type CacheConfig struct {
	// Path is the BadgerDB directory. Empty selects the in-memory store.
	Path string `koanf:"path"`
}

// OpsConfig holds the local metrics/health HTTP server settings.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`

	// RateLimit bounds requests per client IP per minute.
	RateLimit int `koanf:"rate_limit" validate:"min=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. TTLs and retry
// counts sit in the middle of the ranges the product has shipped with.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:              "",
			AnonKey:          "",
			StoragePublicURL: "",
			RequestTimeout:   10 * time.Second,
		},
		Engine: EngineConfig{
			AdminSubjectID:         "",
			ProfileTTL:             5 * time.Minute,
			CachePurgeAge:          24 * time.Hour,
			BootstrapTimeout:       4 * time.Second,
			SessionFetchAttempts:   3,
			ResolveAttempts:        3, // first try + 2 retries
			RetryBaseDelay:         250 * time.Millisecond,
			OwnerStatusInterval:    60 * time.Second,
			UnreadInterval:         30 * time.Second,
			ProfileRefreshWarmup:   10 * time.Second,
			ProfileRefreshInterval: 30 * time.Second,
			ManualRefreshThrottle:  4 * time.Second,
			ExternalResolveDelay:   time.Second,
			RoleNoticeWindow:       10 * time.Second,
			OAuthTimeout:           30 * time.Second,
			OAuthRetryDelay:        2 * time.Second,
		},
		Realtime: RealtimeConfig{
			Enabled:           true,
			HeartbeatInterval: 30 * time.Second,
			MaxReconnectDelay: 32 * time.Second,
		},
		Cache: CacheConfig{
			Path: "/data/casavia/cache",
		},
		Ops: OpsConfig{
			Enabled:   true,
			Addr:      "127.0.0.1:9464",
			RateLimit: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Engine.ProfileTTL >= c.Engine.CachePurgeAge {
		return fmt.Errorf("engine.profile_ttl (%s) must be shorter than engine.cache_purge_age (%s)",
			c.Engine.ProfileTTL, c.Engine.CachePurgeAge)
	}
	return nil
}
