package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

// Check is a named dependency probe used by Readiness.
type Check struct {
	Name string
	Fn   func(context.Context) error
}

// Liveness reports that the process is serving requests.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// Readiness runs every check with the given per-check timeout and answers 503
// listing the failing dependencies when any of them fails.
func Readiness(log *slog.Logger, timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed := map[string]string{}
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			err := c.Fn(ctx)
			cancel()
			if err != nil {
				log.ErrorContext(r.Context(), "readiness check failed", slog.String("check", c.Name), logger.Error(err))
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failed": failed})
			return
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
