// Package vip mounts the VIP subscription HTTP API: tier catalog, checkout,
// subscription management, status and the Stripe webhook receiver.
package vip

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bezhas/vip/handler"
	"github.com/bezhas/vip/pkg/binder"
	"github.com/bezhas/vip/pkg/clientip"
	"github.com/bezhas/vip/pkg/jwt"
	"github.com/bezhas/vip/pkg/logger"
	"github.com/bezhas/vip/pkg/ratelimiter"
	vipsvc "github.com/bezhas/vip/svc/vip"
)

// DefaultWebhookLimit caps webhook bodies at 1 MiB.
const DefaultWebhookLimit int64 = 1 << 20

// Billing is the part of the VIP service the HTTP layer calls.
type Billing interface {
	Tiers() []vipsvc.Tier
	Tier(id vipsvc.TierID) (vipsvc.Tier, error)
	CreateCheckoutSession(ctx context.Context, id vipsvc.TierID, who vipsvc.Identity) (*vipsvc.CheckoutResult, error)
	VerifySession(ctx context.Context, sessionID string) (*vipsvc.SessionVerification, error)
	ListActiveSubscriptions(ctx context.Context, userID string) ([]vipsvc.Subscription, error)
	CheckUserVipStatus(ctx context.Context, userID string) (*vipsvc.VipStatus, error)
	GetEntitlement(ctx context.Context, userID string) (vipsvc.Entitlement, error)
	CancelSubscription(ctx context.Context, userID, subID string, immediate bool) (*vipsvc.CancellationResult, error)
	UpgradeSubscription(ctx context.Context, userID, subID string, newTier vipsvc.TierID) (*vipsvc.UpgradeResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*vipsvc.WebhookResult, error)
}

var _ Billing = (*vipsvc.Service)(nil)

// Module serves the VIP API. Mount it with Handle.
type Module struct {
	billing      Billing
	auth         *jwt.Service
	log          *slog.Logger
	errors       handler.ErrorHandler
	limiter      ratelimiter.RateLimiter
	webhookLimit int64
}

// Option configures a Module.
type Option func(*Module)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Module) {
		if l != nil {
			m.log = l
		}
	}
}

// WithCheckoutLimiter rate limits checkout session creation per user, or per
// client IP for guests.
func WithCheckoutLimiter(l ratelimiter.RateLimiter) Option {
	return func(m *Module) {
		m.limiter = l
	}
}

// WithWebhookLimit overrides the webhook body cap in bytes.
func WithWebhookLimit(n int64) Option {
	return func(m *Module) {
		if n > 0 {
			m.webhookLimit = n
		}
	}
}

// New creates the module. Panics if billing or auth is nil.
func New(billing Billing, auth *jwt.Service, opts ...Option) *Module {
	if billing == nil {
		panic("vip module: billing service is required")
	}
	if auth == nil {
		panic("vip module: jwt service is required")
	}
	m := &Module{
		billing:      billing,
		auth:         auth,
		log:          logger.Discard(),
		webhookLimit: DefaultWebhookLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.Component("vip_http"))
	m.errors = handler.NewErrorHandler(m.log, classify)
	return m
}

// Handle returns the module router.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/api/vip", vipmodule.New(svc, auth).Handle())
func (m *Module) Handle() http.Handler {
	r := chi.NewRouter()

	r.Get("/tiers", wrap(m, m.tiers))
	r.Get("/benefits/{tier}", wrap(m, m.benefits, binder.Path(chi.URLParam)))
	r.Post("/webhook/stripe", wrap(m, m.webhook, rawWebhook(m.webhookLimit)))

	r.Group(func(r chi.Router) {
		r.Use(jwt.Optional(m.auth))
		if m.limiter != nil {
			r.Use(ratelimiter.Middleware(m.limiter, checkoutKey,
				ratelimiter.WithDenied(m.tooManyRequests),
				ratelimiter.WithLogger(m.log),
			))
		}
		r.Post("/create-subscription-session", wrap(m, m.createSession, binder.JSON()))
	})

	r.Group(func(r chi.Router) {
		r.Use(jwt.Require(m.auth, m.unauthorized))
		r.Get("/my-subscriptions", wrap(m, m.mySubscriptions))
		r.Get("/status", wrap(m, m.status))
		r.Get("/verify-session/{sessionId}", wrap(m, m.verifySession, binder.Path(chi.URLParam)))
		r.Post("/cancel-subscription", wrap(m, m.cancel, binder.JSON()))
		r.Post("/upgrade-subscription", wrap(m, m.upgrade, binder.JSON()))
	})

	return r
}

// checkoutKey limits authenticated users by id and guests by client IP.
func checkoutKey(r *http.Request) string {
	if id := jwt.UserID(r.Context()); id != "" {
		return "checkout:user:" + id
	}
	if ip := clientip.FromContext(r.Context()); ip != "" {
		return "checkout:ip:" + ip
	}
	return ""
}

func (m *Module) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	m.errors(handler.NewContext(w, r), errors.Join(handler.ErrUnauthorized.WithMessage("Authentication required"), err))
}

func (m *Module) tooManyRequests(w http.ResponseWriter, r *http.Request, _ *ratelimiter.Result) {
	m.errors(handler.NewContext(w, r), handler.ErrTooManyRequests.WithMessage("Too many checkout attempts, try again later"))
}
