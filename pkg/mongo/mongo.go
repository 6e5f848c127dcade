// Package mongo opens MongoDB connections with retry and exposes a readiness probe.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")
	ErrHealthcheckFailed      = errors.New("mongo healthcheck failed")
)

type Config struct {
	ConnectionURL   string        `env:"MONGODB_URL,required"`
	Database        string        `env:"MONGODB_DATABASE" envDefault:"bezhas"`
	ConnectTimeout  time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPoolSize     uint64        `env:"MONGODB_MAX_POOL_SIZE" envDefault:"100"`
	MinPoolSize     uint64        `env:"MONGODB_MIN_POOL_SIZE" envDefault:"1"`
	MaxConnIdleTime time.Duration `env:"MONGODB_MAX_CONN_IDLE_TIME" envDefault:"300s"`
	RetryAttempts   int           `env:"MONGODB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval   time.Duration `env:"MONGODB_RETRY_INTERVAL" envDefault:"5s"`
}

// Connect dials the server and pings the primary, retrying up to
// cfg.RetryAttempts times.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(cfg.ConnectionURL).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetRetryWrites(true).
		SetRetryReads(true)

	var lastErr error
	for attempt := range max(cfg.RetryAttempts, 1) {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrFailedToConnectToMongo, ctx.Err())
			case <-time.After(cfg.RetryInterval):
			}
		}

		client, err := mongo.Connect(opts)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		_ = client.Disconnect(context.WithoutCancel(ctx))
	}

	return nil, errors.Join(ErrFailedToConnectToMongo, lastErr)
}

// Healthcheck returns a probe that pings the primary.
func Healthcheck(client *mongo.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
