package vip

import (
	"context"
	"errors"
	"time"
)

// callProvider runs fn under the provider timeout and normalizes its error so
// that every failure matches ErrProvider, and timeouts also match ErrProviderTimeout.
func callProvider[T any](ctx context.Context, timeout time.Duration, m *Metrics, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := fn(ctx)
	m.providerCall(op, time.Since(start), err)
	if err == nil {
		return v, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return v, errors.Join(ErrProvider, ErrProviderTimeout, err)
	}
	if !errors.Is(err, ErrProvider) {
		err = errors.Join(ErrProvider, err)
	}
	return v, err
}
