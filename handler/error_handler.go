package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/bezhas/vip/pkg/logger"
	"github.com/bezhas/vip/pkg/requestid"
)

// Classifier maps a domain error to an HTTPError. It reports false for
// errors it does not recognize.
type Classifier func(err error) (HTTPError, bool)

// classify resolves err to an HTTPError. Classifiers run first, then a
// wrapped HTTPError, then the internal-error fallback.
func classify(err error, classifiers []Classifier) HTTPError {
	for _, c := range classifiers {
		if he, ok := c(err); ok {
			return he
		}
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he
	}
	return ErrInternalServerError.WithMessage("An error occurred processing your request")
}

// logLevel is Warn for client errors and Error for server errors.
func logLevel(status int) slog.Level {
	if status < http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelError
}

// NewErrorHandler returns an ErrorHandler that classifies err, logs it with
// the request id, and writes the JSON failure envelope.
func NewErrorHandler(log *slog.Logger, classifiers ...Classifier) ErrorHandler {
	if log == nil {
		log = slog.Default()
	}

	return func(ctx Context, err error) {
		r := ctx.Request()
		info := classify(err, classifiers)

		log.LogAttrs(r.Context(), logLevel(info.Code), "request error",
			logger.RequestID(requestid.FromContext(r.Context())),
			logger.Error(err),
			slog.Int("status_code", info.Code),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		if renderErr := writeError(ctx.ResponseWriter(), info); renderErr != nil {
			log.ErrorContext(r.Context(), "failed to render error response",
				logger.RequestID(requestid.FromContext(r.Context())),
				logger.Error(renderErr),
			)
		}
	}
}
