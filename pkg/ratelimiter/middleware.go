package ratelimiter

import (
	"hash/fnv"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

// maxKeyLength is the longest key stored verbatim.
const maxKeyLength = 64

// KeyFunc extracts a rate limit key from the request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// Composite joins the non-empty keys of keyFuncs with ":".
// Keys longer than 64 characters are hashed with FNV-1a.
func Composite(keyFuncs ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(keyFuncs))
		for _, fn := range keyFuncs {
			if key := fn(r); key != "" {
				parts = append(parts, key)
			}
		}
		if len(parts) == 0 {
			return ""
		}

		combined := strings.Join(parts, ":")
		if len(combined) <= maxKeyLength {
			return combined
		}
		h := fnv.New64a()
		h.Write([]byte(combined))
		return strconv.FormatUint(h.Sum64(), 36)
	}
}

// DeniedFunc writes the response for a request over its limit.
type DeniedFunc func(w http.ResponseWriter, r *http.Request, res *Result)

type middlewareConfig struct {
	denied DeniedFunc
	log    *slog.Logger
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithDenied replaces the default plain-text 429 response.
func WithDenied(fn DeniedFunc) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.denied = fn
		}
	}
}

// WithLogger sets the logger used when the store fails.
func WithLogger(log *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		if log != nil {
			c.log = log
		}
	}
}

func defaultDenied(w http.ResponseWriter, _ *http.Request, _ *Result) {
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

// Middleware limits requests per key. A failing store lets the request
// through and logs the failure.
func Middleware(limiter RateLimiter, keyFunc KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{denied: defaultDenied, log: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				cfg.log.WarnContext(r.Context(), "rate limiter unavailable", logger.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, result.Remaining)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed() {
				if retry := result.RetryAfter(time.Now()); retry > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())))
				}
				cfg.denied(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
