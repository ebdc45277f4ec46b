// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-signing-secret")

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = testSecret
	}
	m, err := NewManager(NewMemoryStore(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateSessionShape(t *testing.T) {
	ctx := context.Background()
	maxAge := time.Hour
	m := newTestManager(t, Config{MaxAge: maxAge})

	s, err := m.CreateSession(ctx, "u1", map[string]any{}, "")
	require.NoError(t, err)

	assert.Len(t, s.ID, 64, "256-bit hex session id")
	assert.Equal(t, "u1", s.UserID)
	assert.NotEmpty(t, s.CSRFToken)
	assert.Equal(t, maxAge, s.Expires.Sub(s.Created))
}

func TestCreateThenDestroy(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: time.Hour})

	s, err := m.CreateSession(ctx, "u1", map[string]any{}, "")
	require.NoError(t, err)

	require.NoError(t, m.DestroySession(ctx, s.ID))

	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestZeroMaxAgeExpiresImmediately(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: 0})

	s, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredSessionIsPurged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, err := NewManager(store, Config{MaxAge: time.Hour, SigningSecret: testSecret}, nil, nil)
	require.NoError(t, err)
	defer m.Close()

	s, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	// Force expiry in the past.
	expired := s.Clone()
	expired.Expires = time.Now().Add(-time.Minute)
	require.NoError(t, store.Save(ctx, expired))

	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The record itself is gone, not just hidden.
	_, err = store.Load(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRollingRenewalMonotonicExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: time.Hour, Rolling: true})

	s, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	prev := s.Expires
	for i := 0; i < 5; i++ {
		got, err := m.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID, "renewal must keep the same id")
		assert.False(t, got.Expires.Before(prev), "expiry must be non-decreasing")
		prev = got.Expires
	}
}

func TestNonRollingKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: time.Hour})

	s, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Expires.UnixMilli(), got.Expires.UnixMilli())
}

// destroyRacingStore simulates a destroy landing between the manager's
// load and its renewal write.
type destroyRacingStore struct {
	*MemoryStore
	raced bool
}

func (d *destroyRacingStore) Load(ctx context.Context, id string) (*Session, error) {
	s, err := d.MemoryStore.Load(ctx, id)
	if err == nil && !d.raced {
		d.raced = true
		_ = d.MemoryStore.Delete(ctx, id)
	}
	return s, err
}

func TestDestroyWinsOverRollingRenewal(t *testing.T) {
	ctx := context.Background()
	store := &destroyRacingStore{MemoryStore: NewMemoryStore()}
	m, err := NewManager(store, Config{MaxAge: time.Hour, Rolling: true, SigningSecret: testSecret}, nil, nil)
	require.NoError(t, err)
	defer m.Close()

	s, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	// The racing destroy fires during this get; renewal must not
	// resurrect the record.
	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.MemoryStore.Load(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound, "session must stay destroyed")
}

func TestUpdateSessionShallowMerge(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: time.Hour})

	s, err := m.CreateSession(ctx, "u1", map[string]any{"a": "1", "b": "1"}, "")
	require.NoError(t, err)

	require.NoError(t, m.UpdateSession(ctx, s.ID, map[string]any{"b": "2", "c": "3"}))

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Data["a"])
	assert.Equal(t, "2", got.Data["b"], "last writer wins per key")
	assert.Equal(t, "3", got.Data["c"])
}

func TestUpdateMissingSession(t *testing.T) {
	m := newTestManager(t, Config{MaxAge: time.Hour})
	err := m.UpdateSession(context.Background(), "nope", map[string]any{"k": "v"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestroyAllUserSessions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := m.CreateSession(ctx, "u1", nil, "")
		require.NoError(t, err)
	}
	other, err := m.CreateSession(ctx, "u2", nil, "")
	require.NoError(t, err)

	count, err := m.DestroyAllUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// u2 is untouched.
	_, err = m.GetSession(ctx, other.ID)
	assert.NoError(t, err)
}

// =============================================================================
// SESSION TOKENS
// =============================================================================

func TestSessionTokenRoundTrip(t *testing.T) {
	m := newTestManager(t, Config{MaxAge: time.Hour})

	token, err := m.GenerateSessionToken("abc123")
	require.NoError(t, err)

	id, ok := m.ParseSessionToken(token)
	require.True(t, ok)
	assert.Equal(t, "abc123", id)
}

func TestSessionTokenTampered(t *testing.T) {
	m := newTestManager(t, Config{MaxAge: time.Hour})

	token, err := m.GenerateSessionToken("abc123")
	require.NoError(t, err)

	for _, bad := range []string{
		"",
		"not-base64!!!",
		token[:len(token)-4],
		"A" + token[1:],
	} {
		_, ok := m.ParseSessionToken(bad)
		assert.False(t, ok, "token %q must not parse", bad)
	}
}

func TestSessionTokenWrongSecret(t *testing.T) {
	a := newTestManager(t, Config{MaxAge: time.Hour, SigningSecret: []byte("secret-a")})
	b := newTestManager(t, Config{MaxAge: time.Hour, SigningSecret: []byte("secret-b")})

	token, err := a.GenerateSessionToken("abc123")
	require.NoError(t, err)

	_, ok := b.ParseSessionToken(token)
	assert.False(t, ok)
}

func TestSessionTokenEncryptedWrap(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	m := newTestManager(t, Config{MaxAge: time.Hour, TokenEncryptionKey: key})

	token, err := m.GenerateSessionToken("abc123")
	require.NoError(t, err)
	assert.Contains(t, token, "ENC:", "wrapped token carries the ciphertext marker")
	assert.NotContains(t, token, "abc123")

	id, ok := m.ParseSessionToken(token)
	require.True(t, ok)
	assert.Equal(t, "abc123", id)
}

// =============================================================================
// CSRF
// =============================================================================

func TestValidateCSRFToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxAge: time.Hour})

	s, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	assert.True(t, m.ValidateCSRFToken(s, s.CSRFToken))
	assert.False(t, m.ValidateCSRFToken(s, "wrong"))
	assert.False(t, m.ValidateCSRFToken(s, ""))
	assert.False(t, m.ValidateCSRFToken(nil, "anything"))
}

// =============================================================================
// SWEEPING
// =============================================================================

func TestCleanExpiredSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, err := NewManager(store, Config{MaxAge: time.Hour, SigningSecret: testSecret}, nil, nil)
	require.NoError(t, err)
	defer m.Close()

	live, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)

	dead, err := m.CreateSession(ctx, "u1", nil, "")
	require.NoError(t, err)
	expired := dead.Clone()
	expired.Expires = time.Now().Add(-time.Minute)
	require.NoError(t, store.Save(ctx, expired))

	count, err := m.CleanExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = m.GetSession(ctx, live.ID)
	assert.NoError(t, err, "live session survives the sweep")
}

func TestManagerRequiresSigningSecret(t *testing.T) {
	_, err := NewManager(NewMemoryStore(), Config{MaxAge: time.Hour}, nil, nil)
	assert.ErrorIs(t, err, ErrSigningSecretRequired)
}
