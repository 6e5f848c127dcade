package jwt

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bezhas/vip/pkg/logger"
)

type contextKey struct{}

// WithClaims stores verified claims in ctx.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the verified claims, if the request carried a valid token.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(Claims)
	return claims, ok
}

// UserID returns the authenticated user id or an empty string.
func UserID(ctx context.Context) string {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return ""
	}
	return claims.Subject()
}

// TokenFromRequest reads a bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenFromRequestOrQuery also accepts the "token" query parameter, since
// browsers cannot set headers on a WebSocket handshake. A present
// Authorization header always wins.
func TokenFromRequestOrQuery(r *http.Request) string {
	if r.Header.Get("Authorization") != "" {
		return TokenFromRequest(r)
	}
	return r.URL.Query().Get("token")
}

// Require rejects requests without a valid bearer token with 401.
func Require(svc *Service, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return requireToken(svc, TokenFromRequest, onError)
}

// RequireWebSocket is Require for WebSocket upgrade routes. It also takes
// the token from the query string.
func RequireWebSocket(svc *Service, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return requireToken(svc, TokenFromRequestOrQuery, onError)
}

func requireToken(svc *Service, extract func(*http.Request) string, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extract(r)
			if token == "" {
				onError(w, r, ErrInvalidToken)
				return
			}
			claims, err := svc.Parse(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// Optional attaches claims when a valid token is present and lets every
// request through. Guest checkout relies on it.
func Optional(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := TokenFromRequest(r); token != "" {
				if claims, err := svc.Parse(token); err == nil {
					r = r.WithContext(WithClaims(r.Context(), claims))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggerExtractor adds the authenticated user id to log records.
func LoggerExtractor() logger.ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id := UserID(ctx); id != "" {
			return logger.UserID(id), true
		}
		return slog.Attr{}, false
	}
}
