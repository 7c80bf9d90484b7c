// Package ratelimit counts requests per tenant and endpoint in fixed time
// buckets stored in the relational database.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// WindowStore persists bucket counters.
type WindowStore interface {
	PurgeWindows(ctx context.Context, endpoint string, cutoff time.Time) error
	SumWindow(ctx context.Context, tenantID int64, endpoint string, since time.Time) (int64, error)
	IncrementWindow(ctx context.Context, tenantID int64, endpoint string, windowStart time.Time) error
}

type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

type RateLimiter struct {
	store  WindowStore
	bucket time.Duration
	now    func() time.Time
}

// NewRateLimiter buckets requests by bucket (one minute when zero).
func NewRateLimiter(store WindowStore, bucket time.Duration) *RateLimiter {
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &RateLimiter{store: store, bucket: bucket, now: time.Now}
}

// CheckAndRecord admits the request and counts it, or rejects it with the
// window length as retry hint. Check and increment are separate statements,
// so concurrent callers may overshoot the limit slightly.
func (rl *RateLimiter) CheckAndRecord(ctx context.Context, tenantID int64, endpoint string, maxRequests int, window time.Duration) (Decision, error) {
	if maxRequests <= 0 {
		return Decision{Allowed: true}, nil
	}
	if window < rl.bucket {
		window = rl.bucket
	}

	now := rl.now().UTC()
	cutoff := now.Add(-window)

	if err := rl.store.PurgeWindows(ctx, endpoint, cutoff); err != nil {
		return Decision{}, fmt.Errorf("purge windows: %w", err)
	}

	count, err := rl.store.SumWindow(ctx, tenantID, endpoint, cutoff)
	if err != nil {
		return Decision{}, fmt.Errorf("sum window: %w", err)
	}

	if count >= int64(maxRequests) {
		return Decision{Allowed: false, Count: count, Limit: maxRequests, RetryAfter: window}, nil
	}

	if err := rl.store.IncrementWindow(ctx, tenantID, endpoint, now.Truncate(rl.bucket)); err != nil {
		return Decision{}, fmt.Errorf("increment window: %w", err)
	}

	return Decision{Allowed: true, Count: count + 1, Limit: maxRequests}, nil
}
