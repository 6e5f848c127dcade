package ratelimiter

import (
	"context"
	"time"
)

// Store persists token bucket state.
type Store interface {
	// ConsumeTokens refills the bucket for key, then takes tokens from it.
	// A negative remaining count means the request must be denied.
	ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error)

	// Reset clears the state for key.
	Reset(ctx context.Context, key string) error
}

// refill computes the bucket after elapsed time. Shared by the stores so
// both apply the same arithmetic.
func refill(tokens int, lastRefill, now time.Time, cfg Config) (int, time.Time) {
	elapsed := now.Sub(lastRefill)
	if elapsed < cfg.RefillInterval {
		return tokens, lastRefill
	}
	// Capped so a long idle period cannot overflow.
	maxIntervals := int64(cfg.Capacity/cfg.RefillRate + 1)
	intervals := min(int64(elapsed/cfg.RefillInterval), maxIntervals)
	return min(tokens+int(intervals)*cfg.RefillRate, cfg.Capacity), now
}
