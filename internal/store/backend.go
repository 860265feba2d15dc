// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import "context"

// =============================================================================
// BACKEND INTERFACE
// =============================================================================

// Backend is a minimal key/value persistence surface. Implementations must
// make Write all-or-nothing: a failed write leaves the previous value
// readable.
type Backend interface {
	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key. A write that would exceed the
	// backend's capacity returns ErrQuotaExceeded without storing
	// anything.
	Write(ctx context.Context, key string, value []byte) error
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a key has no stored value.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &StoreError{Message: "key not found"}

// ErrQuotaExceeded is returned when a write does not fit in the backend's
// capacity. The store reacts by evicting old conversations and retrying.
var ErrQuotaExceeded = &StoreError{Message: "storage quota exceeded"}

// StoreError represents a persistence-related error.
// It implements the error interface and can be compared using errors.Is.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
