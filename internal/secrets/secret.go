// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"errors"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the key has no stored secret. Callers treat this
	// as a normal outcome, not a failure.
	ErrNotFound = errors.New("secret not found")

	// ErrBackendUnavailable indicates the backing store could not be
	// reached or refused the operation. Safe to retry.
	ErrBackendUnavailable = errors.New("secret backend unavailable")

	// ErrNotInitialized indicates Initialize was not called or reported
	// failure. Dependent operations must not proceed.
	ErrNotInitialized = errors.New("secrets manager not initialized")

	// ErrUnknownBackend indicates an unrecognized backend name in config.
	ErrUnknownBackend = errors.New("unknown secret backend")

	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("secret store is closed")
)

// =============================================================================
// SECRET MODEL
// =============================================================================

// Metadata describes a stored secret without exposing its value.
type Metadata struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Version uint      `json:"version"`
	Tags    []string  `json:"tags,omitempty"`
}

// Secret is a stored credential. Value is plaintext only transiently in
// memory; at rest it is ciphertext whenever an encryption key is configured.
type Secret struct {
	Value    string   `json:"value"`
	Metadata Metadata `json:"metadata"`
}

// touch advances metadata for a write. Version increments on overwrite.
func (m *Metadata) touch(now time.Time) {
	if m.Version == 0 {
		m.Created = now
	}
	m.Updated = now
	m.Version++
}
