// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS STORE
// =============================================================================

// redisSessionPrefix namespaces session keys in the shared store.
const redisSessionPrefix = "trustcore:session:"

// RedisStore persists sessions in Redis. Each record's TTL equals its
// remaining time-to-expiry, so the store's native eviction enforces expiry
// across all processes without a coordinated sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: redisSessionPrefix,
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Save writes the session with its remaining lifetime as TTL. A session
// already at or past expiry is deleted instead of stored.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session: missing id")
	}

	ttl := time.Until(s.Expires)
	if ttl <= 0 {
		return r.Delete(ctx, s.ID)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}

	if err := r.client.Set(ctx, r.key(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SaveIfExists rewrites the record with SET XX so a key removed by a
// concurrent destroy (or evicted by TTL) is never recreated.
func (r *RedisStore) SaveIfExists(ctx context.Context, s *Session) (bool, error) {
	ttl := time.Until(s.Expires)
	if ttl <= 0 {
		return false, r.Delete(ctx, s.ID)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("session: failed to marshal: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.key(s.ID), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Load fetches and decodes the session.
func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var s Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return &s, nil
}

// Delete removes the session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ListByUser scans all session keys and filters by owner. Best-effort:
// SCAN is not atomic, so sessions created or destroyed mid-scan may be
// missed. Acceptable for its callers (bulk logout, admin views).
func (r *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	var out []*Session

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // evicted between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		var s Session
		if err := json.Unmarshal([]byte(val), &s); err != nil {
			continue // skip corrupt records rather than failing the scan
		}
		if s.UserID == userID {
			out = append(out, &s)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// SweepExpired scans for records whose embedded expiry has passed. Native
// TTL eviction normally handles this; the sweep covers deployments where
// eviction lags or persistence was restored from an old snapshot.
func (r *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	count := 0

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		var s Session
		if err := json.Unmarshal([]byte(val), &s); err != nil {
			continue
		}
		if s.ExpiredAt(now) {
			if err := r.client.Del(ctx, iter.Val()).Err(); err == nil {
				count++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
