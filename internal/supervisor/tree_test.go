// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeManager struct {
	startCalls atomic.Int32
	stopCalls  atomic.Int32
	startErr   error
}

func (m *fakeManager) Start(ctx context.Context) error {
	m.startCalls.Add(1)
	return m.startErr
}

func (m *fakeManager) Stop() error {
	m.stopCalls.Add(1)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 || cfg.FailureDecay != 30.0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.FailureBackoff != 15*time.Second || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestNewTreeAppliesDefaultsToZeroValues(t *testing.T) {
	tree := NewTree(discardLogger(), TreeConfig{})
	if tree.config.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want default", tree.config.FailureThreshold)
	}
	if tree.Root() == nil {
		t.Fatal("nil root supervisor")
	}
}

func TestManagedServiceLifecycle(t *testing.T) {
	mgr := &fakeManager{}
	svc := NewManagedService("test-service", mgr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for mgr.startCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.startCalls.Load() != 1 {
		t.Fatal("Start not called")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	if mgr.stopCalls.Load() != 1 {
		t.Errorf("stopCalls = %d, want 1", mgr.stopCalls.Load())
	}
}

func TestManagedServiceStartFailure(t *testing.T) {
	mgr := &fakeManager{startErr: errors.New("dial refused")}
	svc := NewManagedService("failing-service", mgr)

	err := svc.Serve(context.Background())
	if err == nil {
		t.Fatal("expected start error to propagate")
	}
	if mgr.stopCalls.Load() != 0 {
		t.Error("Stop called after failed Start")
	}
}

func TestTreeServesAndStops(t *testing.T) {
	tree := NewTree(discardLogger(), DefaultTreeConfig())
	mgr := &fakeManager{}
	tree.AddEngineService(NewManagedService("engine", mgr))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for mgr.startCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.startCalls.Load() == 0 {
		t.Fatal("supervised service never started")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}
}
