package ratelimiter

import "time"

// Result contains the result of a rate limit check.
type Result struct {
	Limit     int       // bucket capacity
	Remaining int       // tokens left, negative when denied
	ResetAt   time.Time // next refill
}

// Allowed returns whether the request is allowed.
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next request, relative to now.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(r.ResetAt.Sub(now), 0)
}

// Config defines the token bucket. The zero value is invalid; load it from
// the environment with the defaults below.
type Config struct {
	Capacity       int           `env:"VIP_CHECKOUT_RATE_BURST" envDefault:"10"`
	RefillRate     int           `env:"VIP_CHECKOUT_RATE_REFILL" envDefault:"1"`
	RefillInterval time.Duration `env:"VIP_CHECKOUT_RATE_INTERVAL" envDefault:"6s"`
}
