// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package main is the entry point for the Casavia sync agent.
//
// The agent keeps a local view of the signed-in user's session, role,
// profile, owner status, and unread message count consistent with the
// hosted backend, reconciling through background polls and realtime
// push notifications. It exposes a local ops HTTP server with
// Prometheus metrics, health probes, and a read-only state endpoint.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (CASAVIA_ prefix, e.g. CASAVIA_BACKEND_URL)
//   - Config file (casavia.yaml, or CASAVIA_CONFIG)
//   - Built-in defaults
//
// Required settings:
//   - CASAVIA_BACKEND_URL: backend project base URL
//   - CASAVIA_BACKEND_ANON_KEY: public API key
//
// # Signal Handling
//
// The agent shuts down gracefully on SIGINT and SIGTERM: the supervisor
// tree cancels every reconciliation loop, closes the realtime channel,
// and flushes the durable cache before exit.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/backend/realtime"
	"github.com/casavia/casavia/internal/backend/rest"
	"github.com/casavia/casavia/internal/cache"
	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/ops"
	"github.com/casavia/casavia/internal/session"
	"github.com/casavia/casavia/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("backend_url", cfg.Backend.URL).
		Bool("realtime_enabled", cfg.Realtime.Enabled).
		Str("cache_path", cfg.Cache.Path).
		Msg("Starting Casavia sync agent")

	store, err := openCache(cfg.Cache)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open durable cache")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing cache")
		}
	}()

	client := rest.NewClient(cfg.Backend)

	var channel *realtime.Channel
	if cfg.Realtime.Enabled {
		channel = realtime.NewChannel(cfg.Backend, cfg.Realtime, client.AccessToken)
	}

	deps := session.Deps{
		Auth:   client,
		Store:  client,
		Cache:  store,
		Avatar: backend.AvatarResolver{PublicBaseURL: storagePublicURL(cfg.Backend)},
	}
	if channel != nil {
		deps.Realtime = channel
	}
	engine, err := session.New(cfg.Engine, deps)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to construct session engine")
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if channel != nil {
		tree.AddTransportService(supervisor.NewManagedService("realtime-channel", channel))
	}
	tree.AddEngineService(supervisor.NewStartStopService("session-engine", engine))
	if cfg.Ops.Enabled {
		tree.AddOpsService(supervisor.NewManagedService("ops-server", ops.NewServer(cfg.Ops, engine)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Agent stopped gracefully")
}

// openCache selects BadgerDB when a path is configured, otherwise the
// in-memory store (view survives only the process lifetime).
func openCache(cfg config.CacheConfig) (cache.Store, error) {
	if cfg.Path == "" {
		logging.Warn().Msg("No cache path configured, using in-memory cache")
		return cache.NewMemoryStore(), nil
	}
	return cache.NewBadgerStore(cfg.Path)
}

// storagePublicURL resolves the avatar base, defaulting to the backend's
// public object-storage prefix.
func storagePublicURL(cfg config.BackendConfig) string {
	if cfg.StoragePublicURL != "" {
		return cfg.StoragePublicURL
	}
	return cfg.URL + "/storage/v1/object/public"
}
