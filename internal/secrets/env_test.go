// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvBackendCapturesMatchingVariables(t *testing.T) {
	t.Setenv("SECRET_DB_PASSWORD", "hunter2")
	t.Setenv("OPENAI_API_KEY", "sk-abc")
	t.Setenv("SIGNING_SECRET", "sig")
	t.Setenv("UNRELATED_SETTING", "ignored")

	b := NewEnvBackend(nil, nil)
	defer b.Close()
	ctx := context.Background()

	for _, name := range []string{"SECRET_DB_PASSWORD", "OPENAI_API_KEY", "SIGNING_SECRET"} {
		secret, err := b.Get(ctx, name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, secret.Value)
	}

	_, err := b.Get(ctx, "UNRELATED_SETTING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvBackendSetIsNonPersistent(t *testing.T) {
	b := NewEnvBackend(nil, nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "RUNTIME_SECRET", "v", nil))

	secret, err := b.Get(ctx, "RUNTIME_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "v", secret.Value)

	// The OS environment must be untouched.
	_, present := os.LookupEnv("RUNTIME_SECRET")
	assert.False(t, present)
}

func TestEnvBackendDeleteAndList(t *testing.T) {
	t.Setenv("SECRET_A", "1")
	t.Setenv("SECRET_B", "2")

	b := NewEnvBackend(nil, nil)
	defer b.Close()
	ctx := context.Background()

	keys, err := b.List(ctx, "SECRET_")
	require.NoError(t, err)
	assert.Contains(t, keys, "SECRET_A")
	assert.Contains(t, keys, "SECRET_B")

	require.NoError(t, b.Delete(ctx, "SECRET_A"))
	assert.ErrorIs(t, b.Delete(ctx, "SECRET_A"), ErrNotFound)

	ok, err := b.Exists(ctx, "SECRET_A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvBackendAlwaysHealthy(t *testing.T) {
	b := NewEnvBackend(nil, nil)
	defer b.Close()
	assert.True(t, b.Healthy(context.Background()))
}
