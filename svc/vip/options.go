package vip

import (
	"log/slog"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

type options struct {
	log      *slog.Logger
	metrics  *Metrics
	notifier Notifier
	now      func() time.Time
	timeout  time.Duration
	prices   map[TierID]string
}

// Option configures a Catalog, Reconciler, Service or Sweeper. Each ignores
// the options that do not apply to it.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		log:      logger.Discard(),
		notifier: nopNotifier{},
		now:      time.Now,
		timeout:  10 * time.Second,
		prices:   make(map[TierID]string),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithNotifier sets where entitlement changes are pushed. The default drops them.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithProviderTimeout bounds every billing provider call. Zero disables the bound.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithPrice seeds the catalog with an already known provider price for a
// tier, skipping the lookup for it.
func WithPrice(id TierID, priceID string) Option {
	return func(o *options) {
		if id.Valid() && priceID != "" {
			o.prices[id] = priceID
		}
	}
}
