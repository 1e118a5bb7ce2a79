// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

package backend

import "strings"

// AvatarResolver maps a stored avatar value to a directly fetchable URL.
// Empty or whitespace-only paths map to nil; absolute URLs pass through;
// bare storage paths are joined onto the public object-storage base.
type AvatarResolver struct {
	// PublicBaseURL is the public object-storage base, without trailing
	// slash, e.g. https://project.example.co/storage/v1/object/public.
	PublicBaseURL string
}

// Resolve normalizes a stored avatar path. The returned pointer is nil
// exactly when no usable avatar exists.
func (r AvatarResolver) Resolve(storagePath string) *string {
	path := strings.TrimSpace(storagePath)
	if path == "" {
		return nil
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return &path
	}
	url := strings.TrimRight(r.PublicBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	return &url
}
