// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/morganforge/trustcore/internal/audit"
)

// DefaultCacheTTL is the read-through cache lifetime.
const DefaultCacheTTL = time.Hour

// =============================================================================
// SECRETS MANAGER
// =============================================================================

// cacheEntry pairs a secret with its cache deadline in epoch milliseconds.
// now >= expiresAt means expired.
type cacheEntry struct {
	secret    *Secret
	expiresAt int64
}

// Manager fronts a Store with a read-through TTL cache.
//
// Error policy: backend failures are logged, audited, and surfaced as
// sentinel errors (ErrNotFound, ErrBackendUnavailable). Callers treat
// these as "secret unavailable" and degrade; nothing below this layer
// reaches application code as a panic.
type Manager struct {
	store    Store
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
	gen   map[string]uint64

	audit *audit.Logger
	zlog  *zap.Logger

	initialized bool
	closed      bool
}

// NewManager wraps store. cacheTTL <= 0 selects DefaultCacheTTL; auditLog
// and zlog may be nil.
func NewManager(store Store, cacheTTL time.Duration, auditLog *audit.Logger, zlog *zap.Logger) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Manager{
		store:    store,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		gen:      make(map[string]uint64),
		audit:    auditLog,
		zlog:     zlog,
	}
}

// Initialize performs backend setup and reports usability. A false return
// means "secrets unavailable": dependent operations must fail rather than
// proceed with missing credentials.
func (m *Manager) Initialize(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	ok := m.store.Healthy(ctx)
	m.initialized = ok
	if ok {
		m.zlog.Info("secrets manager initialized")
	} else {
		m.zlog.Error("secrets backend unhealthy, manager not initialized")
		if m.audit != nil {
			m.audit.Security("secrets_init", "", false, nil)
		}
	}
	return ok
}

func (m *Manager) ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// GetSecret returns the plaintext value for key, serving from the cache
// when fresh.
func (m *Manager) GetSecret(ctx context.Context, key string) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	m.mu.RLock()
	entry, hit := m.cache[key]
	gen := m.gen[key]
	m.mu.RUnlock()
	if hit && now < entry.expiresAt {
		return entry.secret.Value, nil
	}

	secret, err := m.store.Get(ctx, key)
	if err != nil {
		return "", m.translate(ctx, "get", key, err)
	}

	// Populate only if no write invalidated the key while the backend
	// read was in flight; a stale read must not outlive an invalidation.
	m.mu.Lock()
	if !m.closed && m.gen[key] == gen {
		m.cache[key] = cacheEntry{
			secret:    secret,
			expiresAt: time.Now().Add(m.cacheTTL).UnixMilli(),
		}
	}
	m.mu.Unlock()
	return secret.Value, nil
}

// GetSecretMetadata returns metadata without caching side effects on the
// value path.
func (m *Manager) GetSecretMetadata(ctx context.Context, key string) (*Metadata, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	secret, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, m.translate(ctx, "get_metadata", key, err)
	}
	meta := secret.Metadata
	return &meta, nil
}

// SetSecret writes through to the backend. The cache entry for key is
// invalidated synchronously after the backend write and before this
// method returns, so a subsequent GetSecret can never serve the
// overwritten value. A concurrent GetSecret racing the write cannot
// re-populate the old value either: invalidation bumps the key's
// generation, which the read-through populate checks.
func (m *Manager) SetSecret(ctx context.Context, key, value string, tags ...string) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := m.store.Set(ctx, key, value, tags); err != nil {
		m.invalidate(key)
		return m.translate(ctx, "set", key, err)
	}
	m.invalidate(key)
	return nil
}

// DeleteSecret removes the secret and its cache entry.
func (m *Manager) DeleteSecret(ctx context.Context, key string) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := m.store.Delete(ctx, key); err != nil {
		m.invalidate(key)
		return m.translate(ctx, "delete", key, err)
	}
	m.invalidate(key)
	return nil
}

// ListSecrets returns key names under prefix. An empty slice with a nil
// error means the store is reachable but holds nothing under prefix.
func (m *Manager) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, m.translate(ctx, "list", prefix, err)
	}
	return keys, nil
}

// SecretExists probes for key without decrypting anything.
func (m *Manager) SecretExists(ctx context.Context, key string) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	ok, err := m.store.Exists(ctx, key)
	if err != nil {
		return false, m.translate(ctx, "exists", key, err)
	}
	return ok, nil
}

// Close clears the cache and releases the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cache = make(map[string]cacheEntry)
	m.mu.Unlock()

	return m.store.Close()
}

func (m *Manager) invalidate(key string) {
	m.mu.Lock()
	delete(m.cache, key)
	m.gen[key]++
	m.mu.Unlock()
}

// translate maps a backend error onto the sentinel taxonomy and records
// the failure. ErrNotFound passes through untouched; everything else
// becomes ErrBackendUnavailable.
func (m *Manager) translate(_ context.Context, op, key string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}

	m.zlog.Warn("secret backend operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrVaultAuth) {
		return fmt.Errorf("%w: %s %s", ErrBackendUnavailable, op, key)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
