package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/smallbiznis/cashup/internal/clock"
)

// sweepInterval bounds how many Allow calls may pass between expiry
// sweeps so buckets for one-off keys cannot accumulate forever.
const sweepInterval = 1024

// LocalBucket is the in-process Limiter used when no Redis is configured.
// Semantics match TokenBucket: continuous refill, capacity burst.
type LocalBucket struct {
	clock clock.Clock

	mu       sync.Mutex
	buckets  map[string]*localState
	allowOps int
}

type localState struct {
	tokens    float64
	ts        time.Time
	expiresAt time.Time
}

func NewLocalBucket(c clock.Clock) *LocalBucket {
	return &LocalBucket{
		clock:   c,
		buckets: make(map[string]*localState),
	}
}

func (b *LocalBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if err := validateBucketArgs(key, rate, burst); err != nil {
		return &RateLimitResult{}, err
	}

	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.buckets[key]
	if !ok {
		state = &localState{tokens: float64(burst), ts: now}
		b.buckets[key] = state
	} else {
		delta := now.Sub(state.ts)
		if delta < 0 {
			delta = 0
		}
		state.tokens = math.Min(float64(burst), state.tokens+delta.Seconds()*rate)
		state.ts = now
	}
	state.expiresAt = now.Add(defaultBucketTTL(rate, burst))

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}

	b.allowOps++
	if b.allowOps >= sweepInterval {
		b.allowOps = 0
		b.sweep(now)
	}

	retryAfter := retryAfterFor(allowed, state.tokens, rate)
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(state.tokens),
		ResetTime:  now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func (b *LocalBucket) sweep(now time.Time) {
	for key, state := range b.buckets {
		if now.After(state.expiresAt) {
			delete(b.buckets, key)
		}
	}
}
