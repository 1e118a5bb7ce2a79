// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package ops provides the local operations HTTP server: Prometheus
// metrics, liveness/readiness probes, and a read-only view of the
// engine's state. It binds to loopback by default and carries no
// authentication; it is not a product API surface.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/session"
)

// EngineView is the slice of the engine the ops server reads.
type EngineView interface {
	Snapshot() session.Snapshot
	RefreshProfile(ctx context.Context) session.Result
}

// Server is the ops HTTP server with a Start/Stop lifecycle.
type Server struct {
	cfg    config.OpsConfig
	engine EngineView
	srv    *http.Server
}

// NewServer builds the ops server around an engine view.
func NewServer(cfg config.OpsConfig, engine EngineView) *Server {
	s := &Server{cfg: cfg, engine: engine}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz/live", s.handleLive)
	r.Get("/healthz/ready", s.handleReady)
	r.Get("/v1/state", s.handleState)
	r.Post("/v1/refresh", s.handleRefresh)
	return r
}

// Start begins serving in the background. Bind failures surface through
// the supervisor as a service failure.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		logging.Info().Str("addr", s.cfg.Addr).Msg("Ops server listening")
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the bootstrap has settled the session
// question, degraded or not.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	if !snap.AuthInitialized {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// stateResponse is the read-only engine view. Tokens never leave the
// process; only the subject and derived fields are exposed.
type stateResponse struct {
	SignedIn         bool        `json:"signed_in"`
	Subject          string      `json:"subject,omitempty"`
	Role             string      `json:"role,omitempty"`
	Profile          interface{} `json:"profile,omitempty"`
	OwnerStatus      interface{} `json:"owner_status,omitempty"`
	UnreadCount      int         `json:"unread_count"`
	AuthInitialized  bool        `json:"auth_initialized"`
	Resolution       string      `json:"resolution"`
	RoleChangeNotice interface{} `json:"role_change_notice,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	resp := stateResponse{
		SignedIn:        snap.User != nil,
		Role:            string(snap.Role),
		UnreadCount:     snap.UnreadCount,
		AuthInitialized: snap.AuthInitialized,
		Resolution:      snap.Resolution.String(),
	}
	if snap.User != nil {
		resp.Subject = snap.User.Subject
	}
	if snap.Profile != nil {
		resp.Profile = snap.Profile
	}
	if snap.OwnerStatus != nil {
		resp.OwnerStatus = snap.OwnerStatus
	}
	if snap.RoleChangeNotice != nil {
		resp.RoleChangeNotice = snap.RoleChangeNotice
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res := s.engine.RefreshProfile(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Ops response encode failed")
	}
}
