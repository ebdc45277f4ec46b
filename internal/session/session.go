// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/json"
	"errors"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the session does not exist or has expired.
	// Callers treat this as "please re-authenticate", not a failure.
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("session store is closed")
)

// =============================================================================
// SESSION MODEL
// =============================================================================

// Session is one authenticated session. Invariant: Expires > Created for
// any session that should be usable; a session read at or past Expires is
// treated as non-existent and purged.
type Session struct {
	ID           string
	UserID       string
	Data         map[string]any
	Created      time.Time
	LastAccessed time.Time
	Expires      time.Time
	CSRFToken    string
	Fingerprint  string
}

// ExpiredAt reports whether the session is expired at now. The comparison
// uses >= so a zero-lifetime session is expired immediately, with no
// off-by-one renewal window.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.Expires)
}

// Clone returns a deep-enough copy: the Data map is copied so callers
// cannot mutate stored state through a returned session.
func (s *Session) Clone() *Session {
	copied := *s
	if s.Data != nil {
		copied.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			copied.Data[k] = v
		}
	}
	return &copied
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

// sessionWire is the serialized form. Timestamps travel as epoch
// milliseconds so every process sharing a distributed store compares
// expiry identically, independent of time zone or RFC3339 precision.
type sessionWire struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Created      int64          `json:"created"`
	LastAccessed int64          `json:"last_accessed"`
	Expires      int64          `json:"expires"`
	CSRFToken    string         `json:"csrf_token"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionWire{
		ID:           s.ID,
		UserID:       s.UserID,
		Data:         s.Data,
		Created:      s.Created.UnixMilli(),
		LastAccessed: s.LastAccessed.UnixMilli(),
		Expires:      s.Expires.UnixMilli(),
		CSRFToken:    s.CSRFToken,
		Fingerprint:  s.Fingerprint,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Session) UnmarshalJSON(data []byte) error {
	var wire sessionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.ID = wire.ID
	s.UserID = wire.UserID
	s.Data = wire.Data
	s.Created = time.UnixMilli(wire.Created)
	s.LastAccessed = time.UnixMilli(wire.LastAccessed)
	s.Expires = time.UnixMilli(wire.Expires)
	s.CSRFToken = wire.CSRFToken
	s.Fingerprint = wire.Fingerprint
	return nil
}
