// Package redis opens Redis connections with retry and exposes a readiness probe.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not become ready")
	ErrHealthcheckFailed            = errors.New("redis healthcheck failed")
)

// Config leaves ConnectionURL optional: the service runs without Redis and
// falls back to in-process state when it is empty.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

// Enabled reports whether a connection URL is configured.
func (c Config) Enabled() bool { return c.ConnectionURL != "" }

// Connect parses the URL and pings the server, retrying up to cfg.RetryAttempts times
// within cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := range max(cfg.RetryAttempts, 1) {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrRedisNotReady, ctx.Err())
			case <-time.After(cfg.RetryInterval):
			}
		}

		client := redis.NewClient(opt)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
	}

	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

// Healthcheck returns a probe that pings the server.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
