package handler

import (
	"errors"
	"net/http"

	"github.com/bezhas/vip/pkg/binder"
)

// HandlerFunc handles a request already decoded into R.
//
// Example:
//
//	h := handler.HandlerFunc[CancelRequest](
//		func(ctx handler.Context, req CancelRequest) handler.Response {
//			res, err := svc.CancelSubscription(ctx, userID, req.SubscriptionID, req.Immediate)
//			if err != nil {
//				return handler.Error(err)
//			}
//			return handler.JSON(res)
//		},
//	)
type HandlerFunc[R any] func(ctx Context, req R) Response

// Response renders itself to an http.ResponseWriter.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Bind parses HTTP requests into typed values.
type Bind func(r *http.Request, v any) error

// ErrorHandler handles errors from binding, the handler, or rendering.
type ErrorHandler func(ctx Context, err error)

// Decorator wraps a HandlerFunc to add cross-cutting behavior.
// The first decorator in the list is the outermost wrapper.
type Decorator[R any] func(HandlerFunc[R]) HandlerFunc[R]

// WrapOption configures Wrap.
type WrapOption[R any] func(*wrapConfig[R])

type wrapConfig[R any] struct {
	binders      []Bind
	errorHandler ErrorHandler
	decorators   []Decorator[R]
}

// WithBinders sets request binders applied in order. Binders returning
// binder.ErrNotApplicable are skipped.
//
// Example:
//
//	r.Get("/verify-session/{sessionId}", handler.Wrap(h,
//		handler.WithBinders[VerifyRequest](binder.Path(chi.URLParam)),
//	))
func WithBinders[R any](binders ...Bind) WrapOption[R] {
	return func(c *wrapConfig[R]) {
		c.binders = append(c.binders, binders...)
	}
}

// WithErrorHandler sets a custom error handler.
func WithErrorHandler[R any](h ErrorHandler) WrapOption[R] {
	return func(c *wrapConfig[R]) {
		if h != nil {
			c.errorHandler = h
		}
	}
}

// WithDecorators adds decorators around the handler.
func WithDecorators[R any](decorators ...Decorator[R]) WrapOption[R] {
	return func(c *wrapConfig[R]) {
		c.decorators = append(c.decorators, decorators...)
	}
}

// defaultErrorHandler writes the JSON error envelope without logging.
func defaultErrorHandler(ctx Context, err error) {
	_ = Error(err).Render(ctx.ResponseWriter(), ctx.Request())
}

// Wrap converts a typed HandlerFunc to http.HandlerFunc.
func Wrap[R any](h HandlerFunc[R], opts ...WrapOption[R]) http.HandlerFunc {
	cfg := &wrapConfig[R]{
		errorHandler: defaultErrorHandler,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	final := h
	for i := len(cfg.decorators) - 1; i >= 0; i-- {
		final = cfg.decorators[i](final)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := NewContext(w, r)

		var req R
		for _, bind := range cfg.binders {
			if err := bind(r, &req); err != nil {
				if errors.Is(err, binder.ErrNotApplicable) {
					continue
				}
				cfg.errorHandler(ctx, errors.Join(ErrBadRequest, err))
				return
			}
		}

		response := final(ctx, req)
		if response == nil {
			cfg.errorHandler(ctx, ErrNilResponse)
			return
		}
		if fail, ok := response.(errorResponse); ok {
			cfg.errorHandler(ctx, fail.err)
			return
		}
		if err := response.Render(w, r); err != nil {
			cfg.errorHandler(ctx, err)
		}
	}
}
