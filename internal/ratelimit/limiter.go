// Package ratelimit provides per-key token buckets and short-lived
// distributed locks. Buckets run against Redis when one is configured and
// fall back to an in-process implementation otherwise.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Limiter answers whether one more operation under key may proceed.
// rate is tokens per second, burst the bucket capacity.
type Limiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// defaultBucketTTL is how long an untouched bucket is kept: twice the time
// a full refill takes, so an idle key always reads as full again.
func defaultBucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
