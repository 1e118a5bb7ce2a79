// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package rest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/models"
)

// Table names on the data plane.
const (
	tableProfiles          = "profiles"
	tableOwnershipRequests = "ownership_requests"
	tableMessages          = "messages"
)

func tablePath(table string) string {
	return "/rest/v1/" + table
}

// FetchProfile implements backend.DataStore.
func (c *Client) FetchProfile(ctx context.Context, id string) (*backend.ProfileRow, error) {
	q := url.Values{
		"id":     {"eq." + id},
		"select": {"id,full_name,avatar_url,role,created_at"},
		"limit":  {"1"},
	}
	var rows []backend.ProfileRow
	if err := c.getJSON(ctx, "fetch_profile", tablePath(tableProfiles), q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, backend.NewError(backend.KindNotFound, "fetch_profile", errors.New("no profile row for "+id))
	}
	return &rows[0], nil
}

// InsertProfile implements backend.DataStore.
func (c *Client) InsertProfile(ctx context.Context, row *backend.ProfileRow) (*backend.ProfileRow, error) {
	if row.CreatedAt == "" {
		row.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	var rows []backend.ProfileRow
	if err := c.writeJSON(ctx, "insert_profile", http.MethodPost, tablePath(tableProfiles), nil, row, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return row, nil
	}
	return &rows[0], nil
}

// UpdateProfileRole implements backend.DataStore.
func (c *Client) UpdateProfileRole(ctx context.Context, id string, role models.Role) error {
	q := url.Values{"id": {"eq." + id}}
	body := map[string]string{"role": role.String()}
	return c.writeJSON(ctx, "update_profile_role", http.MethodPatch, tablePath(tableProfiles), q, body, nil)
}

// FetchApprovedOwnershipRequest implements backend.DataStore.
func (c *Client) FetchApprovedOwnershipRequest(ctx context.Context, userID string) (*models.OwnershipRequest, error) {
	q := url.Values{
		"user_id": {"eq." + userID},
		"status":  {"eq." + models.RequestApproved},
		"order":   {"created_at.desc"},
		"limit":   {"1"},
	}
	var rows []models.OwnershipRequest
	if err := c.getJSON(ctx, "fetch_approved_request", tablePath(tableOwnershipRequests), q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, backend.NewError(backend.KindNotFound, "fetch_approved_request", errors.New("no approved request for "+userID))
	}
	return &rows[0], nil
}

// FetchOwnershipStatus implements backend.DataStore. The latest request
// row decides the derived standing; no row at all means a plain user.
func (c *Client) FetchOwnershipStatus(ctx context.Context, userID string) (*models.OwnerStatus, error) {
	q := url.Values{
		"user_id": {"eq." + userID},
		"order":   {"created_at.desc"},
		"limit":   {"1"},
	}
	var rows []models.OwnershipRequest
	if err := c.getJSON(ctx, "fetch_ownership_status", tablePath(tableOwnershipRequests), q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &models.OwnerStatus{}, nil
	}

	latest := rows[0]
	return &models.OwnerStatus{
		IsOwner:           latest.Status == models.RequestApproved,
		HasPendingRequest: latest.Status == models.RequestPending,
		RequestStatus:     latest.Status,
		RejectionReason:   latest.RejectionReason,
	}, nil
}

// InsertOwnershipRequest implements backend.DataStore.
func (c *Client) InsertOwnershipRequest(ctx context.Context, req *models.OwnershipRequest) error {
	body := map[string]string{
		"user_id":       req.UserID,
		"status":        models.RequestPending,
		"business_name": req.BusinessName,
		"contact_phone": req.ContactPhone,
		"details":       req.Details,
	}
	return c.writeJSON(ctx, "insert_ownership_request", http.MethodPost, tablePath(tableOwnershipRequests), nil, body, nil)
}

// CountUnreadMessages implements backend.DataStore.
func (c *Client) CountUnreadMessages(ctx context.Context, recipientID string) (int, error) {
	q := url.Values{
		"recipient_id": {"eq." + recipientID},
		"read":         {"eq.false"},
		"select":       {"id"},
	}
	return c.exactCount(ctx, "count_unread", tablePath(tableMessages), q)
}

// MarkAllMessagesRead implements backend.DataStore.
func (c *Client) MarkAllMessagesRead(ctx context.Context, recipientID string) error {
	q := url.Values{
		"recipient_id": {"eq." + recipientID},
		"read":         {"eq.false"},
	}
	body := map[string]bool{"read": true}
	return c.writeJSON(ctx, "mark_all_read", http.MethodPatch, tablePath(tableMessages), q, body, nil)
}
