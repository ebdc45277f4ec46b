// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	s := testSession("s1", "u1", time.Hour)
	require.NoError(t, store.Save(ctx, s))

	// Mutating the caller's copy must not leak into the store.
	s.Data["k"] = "mutated"
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Data["k"])

	// Mutating a loaded copy must not leak either.
	got.Data["k"] = "also-mutated"
	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Data["k"])
}

func TestMemoryStoreSaveIfExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	s := testSession("s1", "u1", time.Hour)
	saved, err := store.SaveIfExists(ctx, s)
	require.NoError(t, err)
	assert.False(t, saved, "absent record must not be created")

	require.NoError(t, store.Save(ctx, s))
	saved, err = store.SaveIfExists(ctx, s)
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestMemoryStoreDeleteAbsent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	assert.NoError(t, store.Delete(context.Background(), "missing"))
}

func TestMemoryStoreSweepExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Save(ctx, testSession("live", "u1", time.Hour)))
	require.NoError(t, store.Save(ctx, testSession("dead1", "u1", -time.Minute)))
	require.NoError(t, store.Save(ctx, testSession("dead2", "u2", -time.Second)))

	count, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = store.Load(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	err := store.Save(context.Background(), testSession("s1", "u1", time.Hour))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionWireFormatMilliseconds(t *testing.T) {
	s := testSession("s1", "u1", time.Hour)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	// Timestamps travel as epoch milliseconds, not RFC3339 strings.
	assert.IsType(t, float64(0), wire["expires"])
	assert.EqualValues(t, s.Expires.UnixMilli(), wire["expires"])

	var back Session
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Expires.UnixMilli(), back.Expires.UnixMilli())
	assert.Equal(t, s.CSRFToken, back.CSRFToken)
}
