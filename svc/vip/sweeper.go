package vip

import (
	"context"
	"log/slog"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

// Expirer is the part of Service the sweeper drives.
type Expirer interface {
	ApplyExpiration(ctx context.Context) (int, error)
}

// Sweeper periodically expires lapsed entitlements so state self-heals when
// the provider never sends a period-end event.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a Sweeper. Panics if expirer is nil or interval is not positive.
func NewSweeper(expirer Expirer, interval time.Duration, opts ...Option) *Sweeper {
	if expirer == nil {
		panic("vip: expirer is required")
	}
	if interval <= 0 {
		panic("vip: sweep interval must be positive")
	}
	o := newOptions(opts)
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		log:      o.log.With(logger.Component("sweeper")),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
// It returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiration sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.expirer.ApplyExpiration(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.ErrorContext(ctx, "expiration sweep failed", logger.Error(err))
		}
		return
	}
	if n > 0 {
		s.log.InfoContext(ctx, "expired lapsed entitlements",
			slog.Int("count", n),
			logger.Duration(time.Since(start)),
		)
	}
}
