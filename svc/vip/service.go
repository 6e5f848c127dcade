package vip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

// Config holds the service settings read from the environment.
type Config struct {
	FrontendURL     string        `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	ProviderTimeout time.Duration `env:"STRIPE_CALL_TIMEOUT" envDefault:"10s"`
	SweepInterval   time.Duration `env:"VIP_SWEEP_INTERVAL" envDefault:"5m"`
}

// Service is the VIP subscription facade used by the HTTP layer.
type Service struct {
	cfg        Config
	provider   BillingProvider
	store      Store
	catalog    *Catalog
	reconciler *Reconciler

	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics
}

// NewService wires the catalog and reconciler around provider and store.
// Panics if a required dependency is nil.
func NewService(cfg Config, provider BillingProvider, store Store, events EventSet, opts ...Option) *Service {
	if provider == nil {
		panic("vip: billing provider is required")
	}
	if store == nil {
		panic("vip: store is required")
	}
	if events == nil {
		panic("vip: event set is required")
	}
	if cfg.ProviderTimeout > 0 {
		opts = append([]Option{WithProviderTimeout(cfg.ProviderTimeout)}, opts...)
	}

	o := newOptions(opts)
	catalog := NewCatalog(provider, opts...)
	return &Service{
		cfg:        cfg,
		provider:   provider,
		store:      store,
		catalog:    catalog,
		reconciler: NewReconciler(store, events, catalog, opts...),
		timeout:    o.timeout,
		now:        o.now,
		log:        o.log.With(logger.Component("vip")),
		metrics:    o.metrics,
	}
}

// Catalog exposes the tier catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Tiers lists the tier catalog.
func (s *Service) Tiers() []Tier { return s.catalog.Tiers() }

// Tier returns one tier or ErrInvalidTier.
func (s *Service) Tier(id TierID) (Tier, error) { return s.catalog.Tier(id) }

// WebhookResult is the acknowledgement for one webhook delivery.
type WebhookResult struct {
	EventID   string  `json:"eventId"`
	EventType string  `json:"eventType"`
	Outcome   Outcome `json:"status"`
	Processed bool    `json:"processed"`
}

// HandleWebhook verifies, parses and reconciles one webhook delivery.
// It returns ErrSignatureVerification (or ErrMalformedEvent) before anything
// is processed, and any other error when the event must be redelivered.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ev, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		s.log.WarnContext(ctx, "rejected webhook delivery", logger.Error(err))
		return nil, err
	}

	meta := ev.Meta()
	outcome, err := s.reconciler.Apply(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &WebhookResult{
		EventID:   meta.ID,
		EventType: meta.Type,
		Outcome:   outcome,
		Processed: outcome.Applied(),
	}, nil
}

// Reconcile applies an already parsed event.
func (s *Service) Reconcile(ctx context.Context, ev Event) (Outcome, error) {
	return s.reconciler.Apply(ctx, ev)
}

// GetEntitlement returns the user's entitlement, correcting a lapsed active
// record to expired first. Users without a record get the inactive default.
func (s *Service) GetEntitlement(ctx context.Context, userID string) (Entitlement, error) {
	e, err := s.store.GetEntitlement(ctx, userID)
	if errors.Is(err, ErrEntitlementNotFound) {
		return DefaultEntitlement(userID), nil
	}
	if err != nil {
		return Entitlement{}, fmt.Errorf("get entitlement: %w", err)
	}

	now := s.now()
	if !e.Lapsed(now) {
		return e, nil
	}

	n, err := s.store.ExpireEntitlements(ctx, now, userID)
	if err != nil {
		// Serve the corrected view; the sweeper persists it later.
		s.log.WarnContext(ctx, "failed to expire lapsed entitlement", logger.UserID(userID), logger.Error(err))
		return e.expire(now), nil
	}
	s.metrics.expired(n)

	e, err = s.store.GetEntitlement(ctx, userID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

// ApplyExpiration downgrades every lapsed active entitlement to expired and
// returns how many changed. Running it again is a no-op.
func (s *Service) ApplyExpiration(ctx context.Context) (int, error) {
	n, err := s.store.ExpireEntitlements(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire entitlements: %w", err)
	}
	s.metrics.expired(n)
	return n, nil
}
