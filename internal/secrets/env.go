// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/morganforge/trustcore/internal/audit"
)

// =============================================================================
// ENV BACKEND
// =============================================================================

// EnvBackend serves secrets from the process environment. Variables named
// SECRET_*, *_KEY, or *_SECRET are captured once at construction.
//
// Set mutates only the in-memory mirror, never the OS environment, so
// writes do not survive a process restart. This backend is intended for
// development and for deployments that inject credentials via env.
type EnvBackend struct {
	mu      sync.RWMutex
	entries map[string]*Secret
	encKey  []byte
	audit   *auditRef
	closed  bool
}

// envSecretName reports whether an environment variable name looks like a
// credential.
func envSecretName(name string) bool {
	return strings.HasPrefix(name, "SECRET_") ||
		strings.HasSuffix(name, "_KEY") ||
		strings.HasSuffix(name, "_SECRET")
}

// NewEnvBackend snapshots matching environment variables.
func NewEnvBackend(encKey []byte, logger *audit.Logger) *EnvBackend {
	b := &EnvBackend{
		entries: make(map[string]*Secret),
		encKey:  encKey,
		audit:   newAuditRef(logger),
	}

	now := time.Now().UTC()
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !envSecretName(name) {
			continue
		}
		b.entries[name] = &Secret{
			Value:    value,
			Metadata: Metadata{Created: now, Updated: now, Version: 1},
		}
	}
	return b
}

// Get returns the mirrored value for name.
func (b *EnvBackend) Get(_ context.Context, key string) (*Secret, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	secret, ok := b.entries[key]
	if !ok {
		b.audit.access("get", key, BackendEnv, false, ErrNotFound)
		return nil, ErrNotFound
	}

	value, err := openValue(secret.Value, b.encKey)
	if err != nil {
		b.audit.access("get", key, BackendEnv, false, err)
		return nil, err
	}

	b.audit.access("get", key, BackendEnv, true, nil)
	copied := *secret
	copied.Value = value
	return &copied, nil
}

// Set writes to the in-memory mirror only. Non-persistent.
func (b *EnvBackend) Set(_ context.Context, key, value string, tags []string) error {
	sealed, err := sealValue(value, b.encKey)
	if err != nil {
		b.audit.access("set", key, BackendEnv, false, err)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	existing, ok := b.entries[key]
	meta := Metadata{Tags: tags}
	if ok {
		meta = existing.Metadata
		meta.Tags = tags
	}
	meta.touch(now)
	b.entries[key] = &Secret{Value: sealed, Metadata: meta}

	b.audit.access("set", key, BackendEnv, true, nil)
	return nil
}

// Delete removes the key from the mirror.
func (b *EnvBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.entries[key]; !ok {
		b.audit.access("delete", key, BackendEnv, false, ErrNotFound)
		return ErrNotFound
	}
	delete(b.entries, key)
	b.audit.access("delete", key, BackendEnv, true, nil)
	return nil
}

// List returns mirrored names under prefix, sorted.
func (b *EnvBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	b.audit.access("list", prefix, BackendEnv, true, nil)
	return keys, nil
}

// Exists reports whether the key is mirrored.
func (b *EnvBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrClosed
	}
	_, ok := b.entries[key]
	b.audit.access("exists", key, BackendEnv, true, nil)
	return ok, nil
}

// Healthy always reports true; the process environment cannot be down.
func (b *EnvBackend) Healthy(_ context.Context) bool {
	return true
}

// Close clears the mirror so plaintext does not linger.
func (b *EnvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*Secret)
	b.closed = true
	return nil
}
