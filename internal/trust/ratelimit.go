// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trust

import (
	"sync"

	"golang.org/x/time/rate"
)

// =============================================================================
// PER-IDENTIFIER RATE LIMITING
// =============================================================================

// maxTrackedLimiters bounds the limiter map so an attacker rotating
// identifiers cannot grow it without limit.
const maxTrackedLimiters = 10000

// RateLimiter applies a token-bucket limit per identifier (IP or user ID).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows eventsPerSecond sustained with the given burst.
func NewRateLimiter(eventsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(eventsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether the identifier may proceed now.
func (r *RateLimiter) Allow(identifier string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[identifier]
	if !ok {
		if len(r.limiters) >= maxTrackedLimiters {
			// Eviction is arbitrary; the replacement limiter starts with a
			// full bucket, which only ever errs permissive.
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[identifier] = limiter
	}
	r.mu.Unlock()

	return limiter.Allow()
}

// SetLimit retunes the limiter at runtime. Existing per-identifier
// buckets pick up the new rate immediately.
func (r *RateLimiter) SetLimit(eventsPerSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limit = rate.Limit(eventsPerSecond)
	r.burst = burst
	for _, limiter := range r.limiters {
		limiter.SetLimit(r.limit)
		limiter.SetBurst(burst)
	}
}

// Tracked returns how many identifiers currently hold a limiter.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
