// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package supervisor

import (
	"context"

	"github.com/casavia/casavia/internal/logging"
)

// Manager is the Start/Stop lifecycle the engine and the realtime channel
// expose. The wrappers below adapt it to suture's Serve contract.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error
}

// StartStopper is Manager for components whose Stop returns nothing.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// ManagedService adapts a Manager to suture.Service: Start, block until
// cancellation, Stop.
type ManagedService struct {
	Name    string
	Manager Manager
}

// Serve implements suture.Service.
func (s *ManagedService) Serve(ctx context.Context) error {
	logging.Info().Str("service", s.Name).Msg("Starting service")

	if err := s.Manager.Start(ctx); err != nil {
		logging.Error().Err(err).Str("service", s.Name).Msg("Service failed to start")
		return err
	}

	<-ctx.Done()

	if err := s.Manager.Stop(); err != nil {
		logging.Warn().Err(err).Str("service", s.Name).Msg("Error stopping service")
	}
	logging.Info().Str("service", s.Name).Msg("Service stopped")
	return ctx.Err()
}

// startStopAdapter lifts a StartStopper into Manager.
type startStopAdapter struct {
	inner StartStopper
}

func (a startStopAdapter) Start(ctx context.Context) error { return a.inner.Start(ctx) }

func (a startStopAdapter) Stop() error {
	a.inner.Stop()
	return nil
}

// NewManagedService wraps a Manager for supervision.
func NewManagedService(name string, m Manager) *ManagedService {
	return &ManagedService{Name: name, Manager: m}
}

// NewStartStopService wraps a StartStopper for supervision.
func NewStartStopService(name string, s StartStopper) *ManagedService {
	return &ManagedService{Name: name, Manager: startStopAdapter{inner: s}}
}
