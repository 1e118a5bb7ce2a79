// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "/nonexistent/config.yaml")
	t.Setenv("CASAVIA_BACKEND_URL", "https://project.example.co")
	t.Setenv("CASAVIA_BACKEND_ANON_KEY", "anon-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.ProfileTTL != 5*time.Minute {
		t.Errorf("ProfileTTL = %v, want 5m", cfg.Engine.ProfileTTL)
	}
	if cfg.Engine.CachePurgeAge != 24*time.Hour {
		t.Errorf("CachePurgeAge = %v, want 24h", cfg.Engine.CachePurgeAge)
	}
	if cfg.Engine.SessionFetchAttempts != 3 {
		t.Errorf("SessionFetchAttempts = %d, want 3", cfg.Engine.SessionFetchAttempts)
	}
	if cfg.Engine.OwnerStatusInterval != 60*time.Second {
		t.Errorf("OwnerStatusInterval = %v, want 60s", cfg.Engine.OwnerStatusInterval)
	}
	if !cfg.Realtime.Enabled {
		t.Error("Realtime.Enabled = false, want true")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
backend:
  url: https://file.example.co
  anon_key: file-key
engine:
  profile_ttl: 10m
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("CASAVIA_ENGINE_PROFILE_TTL", "7m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.URL != "https://file.example.co" {
		t.Errorf("Backend.URL = %q, want file value", cfg.Backend.URL)
	}
	if cfg.Engine.ProfileTTL != 7*time.Minute {
		t.Errorf("ProfileTTL = %v, want env override 7m", cfg.Engine.ProfileTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestValidate_RejectsMissingBackendURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend.AnonKey = "key"
	// URL left empty
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for missing backend.url")
	}
}

func TestValidate_RejectsTTLBeyondPurgeAge(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend.URL = "https://project.example.co"
	cfg.Backend.AnonKey = "key"
	cfg.Engine.ProfileTTL = 48 * time.Hour

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for profile_ttl >= cache_purge_age")
	}
}

func TestEnvTransformFunc(t *testing.T) {
	cases := map[string]string{
		"CASAVIA_BACKEND_URL":                "backend.url",
		"CASAVIA_BACKEND_ANON_KEY":           "backend.anon_key",
		"CASAVIA_ENGINE_ADMIN_SUBJECT_ID":    "engine.admin_subject_id",
		"CASAVIA_ENGINE_OWNER_STATUS_INTERVAL": "engine.owner_status_interval",
		"CASAVIA_LOGGING_LEVEL":              "logging.level",
		"CASAVIA_UNRELATED_THING":            "",
	}
	for in, want := range cases {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}
