// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirroredBackend(t *testing.T) (*CacheBackend, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewCacheBackend(rdb, nil, nil)
	t.Cleanup(func() { b.Close() })
	return b, rdb
}

func TestCacheBackendLocalRoundTrip(t *testing.T) {
	b := NewCacheBackend(nil, nil, nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", "v", []string{"tag1"}))

	secret, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", secret.Value)
	assert.Equal(t, []string{"tag1"}, secret.Metadata.Tags)
	assert.Equal(t, uint(1), secret.Metadata.Version)

	require.NoError(t, b.Set(ctx, "k", "v2", nil))
	secret, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint(2), secret.Metadata.Version)

	require.NoError(t, b.Delete(ctx, "k"))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheBackendMirrorReadThrough(t *testing.T) {
	ctx := context.Background()
	writer, rdb := newMirroredBackend(t)

	require.NoError(t, writer.Set(ctx, "shared", "value", nil))

	// A second process-local backend sharing the same Redis must see the
	// write via the mirror.
	reader := NewCacheBackend(rdb, nil, nil)
	secret, err := reader.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "value", secret.Value)

	// The miss repopulated the local map; a mirror outage no longer
	// affects this key.
	secret, err = reader.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "value", secret.Value)
}

func TestCacheBackendMirrorHoldsSealedValue(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	key := make([]byte, 32)
	b := NewCacheBackend(rdb, key, nil)
	defer b.Close()

	require.NoError(t, b.Set(ctx, "k", "plaintext", nil))

	raw, err := mr.Get(redisSecretPrefix + "k")
	require.NoError(t, err)
	assert.NotContains(t, raw, "plaintext", "mirror must never hold plaintext")

	secret, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "plaintext", secret.Value)
}

func TestCacheBackendDeleteReachesMirror(t *testing.T) {
	ctx := context.Background()
	b, rdb := newMirroredBackend(t)

	require.NoError(t, b.Set(ctx, "k", "v", nil))
	require.NoError(t, b.Delete(ctx, "k"))

	n, err := rdb.Exists(ctx, redisSecretPrefix+"k").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCacheBackendExistsChecksMirror(t *testing.T) {
	ctx := context.Background()
	writer, rdb := newMirroredBackend(t)
	require.NoError(t, writer.Set(ctx, "k", "v", nil))

	reader := NewCacheBackend(rdb, nil, nil)
	ok, err := reader.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheBackendHealthyTracksMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewCacheBackend(rdb, nil, nil)
	defer b.Close()

	assert.True(t, b.Healthy(context.Background()))
	mr.Close()
	assert.False(t, b.Healthy(context.Background()))
}
