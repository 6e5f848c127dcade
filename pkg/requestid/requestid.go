// Package requestid attaches a correlation id to every HTTP request.
// A valid client supplied X-Request-ID is reused, otherwise a UUID is generated.
// The id is echoed in the response header and stored in the request context.
package requestid

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/bezhas/vip/pkg/logger"
)

const (
	Header      = "X-Request-ID"
	maxIDLength = 128
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type contextKey struct{}

func WithContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if !isValid(id) {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), id)))
	})
}

// LoggerExtractor adds the request id to log records written with a request context.
func LoggerExtractor() logger.ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id := FromContext(ctx); id != "" {
			return logger.RequestID(id), true
		}
		return slog.Attr{}, false
	}
}

func isValid(id string) bool {
	return id != "" && len(id) <= maxIDLength && validID.MatchString(id)
}
