package ratelimit

import (
	"context"
	"time"
)

// Store keeps per-key hit timestamps and penalty deadlines.
type Store interface {
	// Count drops hits older than now-window and returns what remains along
	// with the oldest surviving hit (zero when empty).
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
	Add(ctx context.Context, key string, now time.Time, window time.Duration) error
	PenaltyUntil(ctx context.Context, key string) (time.Time, error)
	// SetPenalty records a deadline; ttl bounds how long the store keeps it.
	SetPenalty(ctx context.Context, key string, until time.Time, ttl time.Duration) error
	// Sweep evicts idle windows and expired penalties. It returns the number
	// of evicted keys.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
