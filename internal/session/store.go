// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the session persistence contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Save persists the session, overwriting any existing record with the
	// same ID.
	Save(ctx context.Context, s *Session) error

	// SaveIfExists rewrites the record only if it is still present,
	// returning false when it is gone. Rolling renewal uses this so a
	// concurrent destroy is never undone.
	SaveIfExists(ctx context.Context, s *Session) (bool, error)

	// Load returns the session or ErrNotFound. Loading does not check
	// expiry; that is the manager's job.
	Load(ctx context.Context, id string) (*Session, error)

	// Delete removes the session. Deleting an absent ID is not an error.
	Delete(ctx context.Context, id string) error

	// ListByUser returns the user's sessions, best-effort for distributed
	// stores.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// SweepExpired removes sessions whose expiry has passed and returns
	// how many were removed.
	SweepExpired(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemoryStore keeps sessions in a process-local map. All operations are
// O(1) except the linear ListByUser and SweepExpired scans.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Save stores a copy of the session.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// SaveIfExists rewrites only a still-present record.
func (m *MemoryStore) SaveIfExists(_ context.Context, s *Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.sessions[s.ID]; !ok {
		return false, nil
	}
	m.sessions[s.ID] = s.Clone()
	return true, nil
}

// Load returns a copy of the session.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Delete removes the session.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.sessions, id)
	return nil
}

// ListByUser scans for sessions owned by userID.
func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// SweepExpired removes expired sessions. The expiry compared is the one
// read during this sweep, so a concurrent renewal that already extended a
// session is never undone.
func (m *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	count := 0
	for id, s := range m.sessions {
		if s.ExpiredAt(now) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

// Close drops all sessions.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	m.closed = true
	return nil
}
