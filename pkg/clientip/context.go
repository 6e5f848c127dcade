package clientip

import (
	"context"
	"log/slog"

	"github.com/bezhas/vip/pkg/logger"
)

type contextKey struct{}

// WithContext stores ip in ctx.
func WithContext(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKey{}, ip)
}

// FromContext returns the client IP stored by Middleware, or "".
func FromContext(ctx context.Context) string {
	ip, _ := ctx.Value(contextKey{}).(string)
	return ip
}

// LoggerExtractor adds client_ip to log records.
func LoggerExtractor() logger.ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		ip := FromContext(ctx)
		if ip == "" {
			return slog.Attr{}, false
		}
		return slog.String("client_ip", ip), true
	}
}
