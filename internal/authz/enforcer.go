// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package authz maps marketplace roles to capabilities using Casbin RBAC.
// Role hierarchy is admin > owner > user; the policy names the product
// surfaces each role may use (listings, floors, messaging, dashboards).
//
// The engine resolves WHO a subject is and WHAT role they hold; this
// package answers whether that role may do a thing. Role-gated dashboard
// checks (IsAdmin / IsOwner / Can) all come through here.
package authz

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/casavia/casavia/internal/models"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Enforcer answers role-capability questions for the engine.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer builds an enforcer from the embedded model and policy.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	if err := loadEmbeddedPolicy(enforcer, embeddedPolicy); err != nil {
		return nil, err
	}

	return &Enforcer{enforcer: enforcer}, nil
}

// loadEmbeddedPolicy parses the embedded policy CSV into the enforcer.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch parts[0] {
		case "p":
			if len(parts) >= 4 {
				if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
					return fmt.Errorf("add policy %v: %w", parts[1:], err)
				}
			}
		case "g":
			if len(parts) >= 3 {
				if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
					return fmt.Errorf("add grouping policy %v: %w", parts[1:], err)
				}
			}
		}
	}
	return nil
}

// Can reports whether a role may perform action on object.
func (e *Enforcer) Can(role models.Role, object, action string) (bool, error) {
	allowed, err := e.enforcer.Enforce(role.String(), object, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	return allowed, nil
}

// IsAdmin reports whether the role carries admin capabilities.
func (e *Enforcer) IsAdmin(role models.Role) bool {
	allowed, err := e.Can(role, "admin_dashboard", "view")
	return err == nil && allowed
}

// IsOwner reports whether the role carries owner capabilities. Admin
// inherits owner, so this is true for both.
func (e *Enforcer) IsOwner(role models.Role) bool {
	allowed, err := e.Can(role, "owner_dashboard", "view")
	return err == nil && allowed
}
