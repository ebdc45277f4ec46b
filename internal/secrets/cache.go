// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morganforge/trustcore/internal/audit"
)

// =============================================================================
// CACHE BACKEND
// =============================================================================

// redisSecretPrefix namespaces mirrored entries in the shared cache.
const redisSecretPrefix = "trustcore:secret:"

// DefaultMirrorTTL bounds how long a mirrored entry outlives the process
// that wrote it.
const DefaultMirrorTTL = time.Hour

// CacheBackend is an in-memory secret store, optionally mirrored to Redis
// so sibling processes share writes.
//
// Reads are read-through: local map first, Redis on miss, repopulating the
// local map. The mirror is best-effort; a Redis outage degrades to
// process-local behavior rather than failing the operation.
type CacheBackend struct {
	mu      sync.RWMutex
	entries map[string]*Secret

	rdb       *redis.Client
	mirrorTTL time.Duration
	encKey    []byte
	audit     *auditRef
	closed    bool
}

// NewCacheBackend creates the memory backend. rdb may be nil for a purely
// process-local store.
func NewCacheBackend(rdb *redis.Client, encKey []byte, logger *audit.Logger) *CacheBackend {
	return &CacheBackend{
		entries:   make(map[string]*Secret),
		rdb:       rdb,
		mirrorTTL: DefaultMirrorTTL,
		encKey:    encKey,
		audit:     newAuditRef(logger),
	}
}

// SetMirrorTTL overrides the mirrored entry lifetime.
func (b *CacheBackend) SetMirrorTTL(ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ttl > 0 {
		b.mirrorTTL = ttl
	}
}

// Get checks the local map first and falls back to the mirror on miss.
func (b *CacheBackend) Get(ctx context.Context, key string) (*Secret, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	secret, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		mirrored, err := b.loadFromMirror(ctx, key)
		if err != nil {
			b.audit.access("get", key, BackendMemory, false, err)
			return nil, err
		}
		secret = mirrored
	}

	value, err := openValue(secret.Value, b.encKey)
	if err != nil {
		b.audit.access("get", key, BackendMemory, false, err)
		return nil, err
	}

	b.audit.access("get", key, BackendMemory, true, nil)
	copied := *secret
	copied.Value = value
	return &copied, nil
}

// loadFromMirror fetches a missing key from Redis and repopulates the
// local map on success.
func (b *CacheBackend) loadFromMirror(ctx context.Context, key string) (*Secret, error) {
	if b.rdb == nil {
		return nil, ErrNotFound
	}

	data, err := b.rdb.Get(ctx, redisSecretPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var secret Secret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, fmt.Errorf("%w: corrupt mirrored secret", ErrBackendUnavailable)
	}

	b.mu.Lock()
	if !b.closed {
		b.entries[key] = &secret
	}
	b.mu.Unlock()
	return &secret, nil
}

// Set writes locally and mirrors when Redis is configured. The mirrored
// payload carries the sealed value, never plaintext.
func (b *CacheBackend) Set(ctx context.Context, key, value string, tags []string) error {
	sealed, err := sealValue(value, b.encKey)
	if err != nil {
		b.audit.access("set", key, BackendMemory, false, err)
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	now := time.Now().UTC()
	meta := Metadata{Tags: tags}
	if existing, ok := b.entries[key]; ok {
		meta = existing.Metadata
		meta.Tags = tags
	}
	meta.touch(now)
	secret := &Secret{Value: sealed, Metadata: meta}
	b.entries[key] = secret
	mirrorTTL := b.mirrorTTL
	b.mu.Unlock()

	if b.rdb != nil {
		data, err := json.Marshal(secret)
		if err == nil {
			err = b.rdb.Set(ctx, redisSecretPrefix+key, data, mirrorTTL).Err()
		}
		if err != nil {
			// Mirror is best-effort; the local write already succeeded.
			b.audit.access("set_mirror", key, BackendMemory, false, err)
		}
	}

	b.audit.access("set", key, BackendMemory, true, nil)
	return nil
}

// Delete removes locally and from the mirror.
func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	_, ok := b.entries[key]
	delete(b.entries, key)
	b.mu.Unlock()

	if b.rdb != nil {
		if err := b.rdb.Del(ctx, redisSecretPrefix+key).Err(); err != nil {
			b.audit.access("delete_mirror", key, BackendMemory, false, err)
		} else if !ok {
			ok = true // Present only in the mirror still counts as deleted.
		}
	}

	if !ok {
		b.audit.access("delete", key, BackendMemory, false, ErrNotFound)
		return ErrNotFound
	}
	b.audit.access("delete", key, BackendMemory, true, nil)
	return nil
}

// List returns local keys under prefix, sorted. Mirror-only keys are not
// enumerated; listing is a process-local view.
func (b *CacheBackend) List(_ context.Context, prefix string) ([]string, error) {
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
	b.audit.access("list", prefix, BackendMemory, true, nil)
	return keys, nil
}

// Exists checks the local map, then the mirror.
func (b *CacheBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return false, ErrClosed
	}
	_, ok := b.entries[key]
	b.mu.RUnlock()
	if ok {
		b.audit.access("exists", key, BackendMemory, true, nil)
		return true, nil
	}

	if b.rdb == nil {
		b.audit.access("exists", key, BackendMemory, true, nil)
		return false, nil
	}
	n, err := b.rdb.Exists(ctx, redisSecretPrefix+key).Result()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		b.audit.access("exists", key, BackendMemory, false, err)
		return false, err
	}
	b.audit.access("exists", key, BackendMemory, true, nil)
	return n > 0, nil
}

// Healthy pings the mirror when configured; a purely local store is
// always healthy.
func (b *CacheBackend) Healthy(ctx context.Context) bool {
	if b.rdb == nil {
		return true
	}
	return b.rdb.Ping(ctx).Err() == nil
}

// Close clears the local map and releases the Redis client.
func (b *CacheBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.entries = make(map[string]*Secret)
	b.closed = true
	b.mu.Unlock()

	if b.rdb != nil {
		return b.rdb.Close()
	}
	return nil
}
