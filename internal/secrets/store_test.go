// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morganforge/trustcore/internal/audit"
)

// recordingSink captures audit events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Write(event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action
	}
	return out
}

// Every store operation emits an access event, including the read-only
// probes (List, Exists) and regardless of backend.
func TestBackendsAuditEveryOperation(t *testing.T) {
	builders := map[string]func(t *testing.T, logger *audit.Logger) Store{
		"memory": func(_ *testing.T, logger *audit.Logger) Store {
			return NewCacheBackend(nil, nil, logger)
		},
		"env": func(_ *testing.T, logger *audit.Logger) Store {
			return NewEnvBackend(nil, logger)
		},
		"vault": func(t *testing.T, logger *audit.Logger) Store {
			_, srv := newFakeVault(t)
			backend, err := NewVaultBackend(VaultOptions{
				Address:  srv.URL,
				RoleID:   "role-1",
				SecretID: "secret-1",
			}, nil, logger)
			require.NoError(t, err)
			return backend
		},
	}

	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sink := &recordingSink{}
			store := build(t, audit.NewLogger(sink, nil))
			defer store.Close()

			require.NoError(t, store.Set(ctx, "k", "v", nil))
			_, err := store.Get(ctx, "k")
			require.NoError(t, err)
			_, err = store.List(ctx, "")
			require.NoError(t, err)

			ok, err := store.Exists(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = store.Exists(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Delete(ctx, "k"))

			actions := sink.actions()
			for _, want := range []string{
				audit.PrefixAccess + "set",
				audit.PrefixAccess + "get",
				audit.PrefixAccess + "list",
				audit.PrefixAccess + "exists",
				audit.PrefixAccess + "delete",
			} {
				assert.Contains(t, actions, want)
			}

			// Present and absent keys both leave an exists trace.
			probes := 0
			for _, a := range actions {
				if a == audit.PrefixAccess+"exists" {
					probes++
				}
			}
			assert.GreaterOrEqual(t, probes, 2)
		})
	}
}
