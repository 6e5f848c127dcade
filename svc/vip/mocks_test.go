package vip_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/bezhas/vip/svc/vip"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) FindProduct(ctx context.Context, name string) (string, bool, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockProvider) CreateProduct(ctx context.Context, spec vip.ProductSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) FindPrice(ctx context.Context, spec vip.PriceSpec) (string, bool, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockProvider) CreatePrice(ctx context.Context, spec vip.PriceSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req vip.CheckoutRequest) (*vip.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vip.CheckoutSession), args.Error(1)
}

func (m *mockProvider) GetCheckoutSession(ctx context.Context, id string) (*vip.CheckoutSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vip.CheckoutSession), args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, id string) (*vip.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vip.Subscription), args.Error(1)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, id string) (*vip.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vip.Subscription), args.Error(1)
}

func (m *mockProvider) CancelAtPeriodEnd(ctx context.Context, id string) (*vip.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vip.Subscription), args.Error(1)
}

func (m *mockProvider) ChangePrice(ctx context.Context, change vip.PriceChange) (*vip.Subscription, error) {
	args := m.Called(ctx, change)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vip.Subscription), args.Error(1)
}

func (m *mockProvider) ParseWebhook(payload []byte, signature string) (vip.Event, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(vip.Event), args.Error(1)
}

// eventSet is an unbounded in-memory vip.EventSet.
type eventSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newEventSet() *eventSet {
	return &eventSet{seen: make(map[string]bool)}
}

func (s *eventSet) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[id], nil
}

func (s *eventSet) Mark(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = true
	return nil
}

// recorder is a vip.Notifier that keeps every notification.
type recorder struct {
	mu    sync.Mutex
	kinds []vip.NotificationKind
	err   error
}

func (r *recorder) Notify(_ context.Context, _ string, kind vip.NotificationKind, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return r.err
}

func (r *recorder) Kinds() []vip.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]vip.NotificationKind(nil), r.kinds...)
}

// fixedClock returns a clock stuck at t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func created(id, subID, userID string, tier vip.TierID, at time.Time, end time.Time) vip.SubscriptionCreated {
	return vip.SubscriptionCreated{
		EventMeta: vip.EventMeta{ID: id, Type: vip.EventSubscriptionCreated, Created: at},
		Subscription: vip.Subscription{
			ID:               subID,
			CustomerID:       "cus_1",
			UserID:           userID,
			Tier:             tier,
			Status:           vip.ProviderStatusActive,
			CurrentPeriodEnd: end,
		},
	}
}

func renewed(id, subID, userID string, at time.Time) vip.InvoicePaymentSucceeded {
	return vip.InvoicePaymentSucceeded{
		EventMeta: vip.EventMeta{ID: id, Type: vip.EventInvoicePaymentSucceeded, Created: at},
		Invoice: vip.Invoice{
			ID:             "in_" + id,
			SubscriptionID: subID,
			CustomerID:     "cus_1",
			UserID:         userID,
			BillingReason:  "subscription_cycle",
		},
	}
}

func deleted(id, subID, userID string, at time.Time) vip.SubscriptionDeleted {
	return vip.SubscriptionDeleted{
		EventMeta: vip.EventMeta{ID: id, Type: vip.EventSubscriptionDeleted, Created: at},
		Subscription: vip.Subscription{
			ID:     subID,
			UserID: userID,
			Status: vip.ProviderStatusCanceled,
		},
	}
}
