package vip_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bezhas/vip/svc/vip"
)

var testConfig = vip.Config{
	FrontendURL:     "https://app.bezhas.test/",
	ProviderTimeout: time.Second,
	SweepInterval:   time.Minute,
}

func newTestService(t *testing.T, p *mockProvider, opts ...vip.Option) (*vip.Service, vip.Store) {
	t.Helper()
	store := vip.NewMemoryStore()
	return vip.NewService(testConfig, p, store, newEventSet(), opts...), store
}

func TestService_CreateCheckoutSession(t *testing.T) {
	t.Parallel()

	t.Run("authenticated user", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req vip.CheckoutRequest) bool {
			return req.PriceID == "price_gold" &&
				req.ClientReferenceID == "u1" &&
				req.CustomerEmail == "u1@example.com" &&
				req.SuccessURL == "https://app.bezhas.test/vip/success?session_id={CHECKOUT_SESSION_ID}" &&
				req.CancelURL == "https://app.bezhas.test/vip" &&
				req.Metadata[vip.MetaUserID] == "u1" &&
				req.Metadata[vip.MetaType] == vip.MetaTypeVIP &&
				req.SubscriptionMetadata[vip.MetaUserID] == "u1" &&
				req.SubscriptionMetadata[vip.MetaWalletAddress] == "0xabc" &&
				req.SubscriptionMetadata[vip.MetaTier] == "gold"
		})).Return(&vip.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil).Once()

		svc, _ := newTestService(t, p, vip.WithPrice(vip.TierGold, "price_gold"))
		res, err := svc.CreateCheckoutSession(context.Background(), vip.TierGold, vip.Identity{
			UserID: "u1", Email: "u1@example.com", WalletAddress: "0xabc",
		})
		require.NoError(t, err)
		assert.Equal(t, "cs_1", res.SessionID)
		assert.Equal(t, "https://checkout.test/cs_1", res.URL)
		assert.Equal(t, vip.TierGold, res.Tier)
		assert.Equal(t, int64(6999), res.Price.Amount)
		p.AssertExpectations(t)
	})

	t.Run("guest gets a synthesized id", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req vip.CheckoutRequest) bool {
			return strings.HasPrefix(req.ClientReferenceID, "guest-") &&
				req.SubscriptionMetadata[vip.MetaUserID] == req.ClientReferenceID
		})).Return(&vip.CheckoutSession{ID: "cs_2", URL: "https://checkout.test/cs_2"}, nil).Once()

		svc, _ := newTestService(t, p, vip.WithPrice(vip.TierBronze, "price_bronze"))
		_, err := svc.CreateCheckoutSession(context.Background(), vip.TierBronze, vip.Identity{})
		require.NoError(t, err)
		p.AssertExpectations(t)
	})

	t.Run("invalid tier makes no provider call", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		svc, _ := newTestService(t, p)
		_, err := svc.CreateCheckoutSession(context.Background(), "diamond", vip.Identity{UserID: "u1"})
		require.ErrorIs(t, err, vip.ErrInvalidTier)
		p.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
		p.AssertNotCalled(t, "FindProduct", mock.Anything, mock.Anything)
	})

	t.Run("missing url", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(&vip.CheckoutSession{ID: "cs_3"}, nil)
		svc, _ := newTestService(t, p, vip.WithPrice(vip.TierGold, "price_gold"))
		_, err := svc.CreateCheckoutSession(context.Background(), vip.TierGold, vip.Identity{UserID: "u1"})
		require.ErrorIs(t, err, vip.ErrNoCheckoutURL)
	})
}

func TestService_VerifySession(t *testing.T) {
	t.Parallel()

	t.Run("paid", func(t *testing.T) {
		t.Parallel()

		end := t0.AddDate(0, 1, 0)
		p := &mockProvider{}
		p.On("GetCheckoutSession", mock.Anything, "cs_1").Return(&vip.CheckoutSession{
			ID: "cs_1", PaymentStatus: "paid", SubscriptionID: "sub_1",
		}, nil)
		p.On("GetSubscription", mock.Anything, "sub_1").Return(&vip.Subscription{
			ID: "sub_1", Tier: vip.TierSilver, Status: vip.ProviderStatusActive, CurrentPeriodEnd: end,
		}, nil)

		svc, _ := newTestService(t, p)
		res, err := svc.VerifySession(context.Background(), "cs_1")
		require.NoError(t, err)
		assert.Equal(t, "Silver VIP", res.TierName)
		assert.Equal(t, vip.ProviderStatusActive, res.Status)
		assert.Equal(t, end, res.NextBilling)
	})

	t.Run("unpaid", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("GetCheckoutSession", mock.Anything, "cs_1").Return(&vip.CheckoutSession{ID: "cs_1", PaymentStatus: "unpaid"}, nil)

		svc, _ := newTestService(t, p)
		_, err := svc.VerifySession(context.Background(), "cs_1")
		require.ErrorIs(t, err, vip.ErrPaymentNotCompleted)
		p.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	})
}

func indexSubscription(t *testing.T, store vip.Store, subID, userID string, tier vip.TierID) {
	t.Helper()
	require.NoError(t, store.PutSubscriptionRecord(context.Background(), vip.SubscriptionRecord{
		SubscriptionID: subID, UserID: userID, Tier: tier,
	}))
}

func TestService_ListActiveSubscriptions(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	p.On("GetSubscription", mock.Anything, "sub_a").Return(&vip.Subscription{ID: "sub_a", UserID: "u1", Tier: vip.TierGold, Status: vip.ProviderStatusActive}, nil)
	p.On("GetSubscription", mock.Anything, "sub_b").Return(&vip.Subscription{ID: "sub_b", UserID: "u1", Tier: vip.TierBronze, Status: vip.ProviderStatusCanceled}, nil)
	p.On("GetSubscription", mock.Anything, "sub_c").Return(nil, &vip.ProviderError{Op: "subscription.get", Message: "No such subscription", Err: vip.ErrSubscriptionNotFound})

	svc, store := newTestService(t, p)
	indexSubscription(t, store, "sub_a", "u1", vip.TierGold)
	indexSubscription(t, store, "sub_b", "u1", vip.TierBronze)
	indexSubscription(t, store, "sub_c", "u1", vip.TierSilver)
	indexSubscription(t, store, "sub_z", "u2", vip.TierSilver)

	subs, err := svc.ListActiveSubscriptions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_a", subs[0].ID)
	p.AssertNotCalled(t, "GetSubscription", mock.Anything, "sub_z")
}

func TestService_CheckUserVipStatus(t *testing.T) {
	t.Parallel()

	t.Run("no subscriptions", func(t *testing.T) {
		t.Parallel()

		svc, _ := newTestService(t, &mockProvider{})
		status, err := svc.CheckUserVipStatus(context.Background(), "u1")
		require.NoError(t, err)
		assert.False(t, status.HasVip)
		assert.Nil(t, status.Tier)
	})

	t.Run("two active subscriptions pick the higher tier", func(t *testing.T) {
		t.Parallel()

		end := t0.AddDate(0, 1, 0)
		p := &mockProvider{}
		p.On("GetSubscription", mock.Anything, "sub_a").Return(&vip.Subscription{ID: "sub_a", UserID: "u1", Tier: vip.TierPlatinum, Status: vip.ProviderStatusActive, CurrentPeriodEnd: end, CancelAtPeriodEnd: true}, nil)
		p.On("GetSubscription", mock.Anything, "sub_b").Return(&vip.Subscription{ID: "sub_b", UserID: "u1", Tier: vip.TierSilver, Status: vip.ProviderStatusActive}, nil)

		svc, store := newTestService(t, p)
		indexSubscription(t, store, "sub_a", "u1", vip.TierPlatinum)
		indexSubscription(t, store, "sub_b", "u1", vip.TierSilver)

		status, err := svc.CheckUserVipStatus(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, status.HasVip)
		require.NotNil(t, status.Tier)
		assert.Equal(t, vip.TierPlatinum, *status.Tier)
		assert.Equal(t, "sub_a", status.SubscriptionID)
		assert.Equal(t, end, *status.CurrentPeriodEnd)
		assert.True(t, status.CancelAtPeriodEnd)
	})

	t.Run("higher tier listed last", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("GetSubscription", mock.Anything, "sub_a").Return(&vip.Subscription{ID: "sub_a", UserID: "u1", Tier: vip.TierBronze, Status: vip.ProviderStatusActive}, nil)
		p.On("GetSubscription", mock.Anything, "sub_b").Return(&vip.Subscription{ID: "sub_b", UserID: "u1", Tier: vip.TierGold, Status: vip.ProviderStatusActive}, nil)

		svc, store := newTestService(t, p)
		indexSubscription(t, store, "sub_a", "u1", vip.TierBronze)
		indexSubscription(t, store, "sub_b", "u1", vip.TierGold)

		status, err := svc.CheckUserVipStatus(context.Background(), "u1")
		require.NoError(t, err)
		require.NotNil(t, status.Tier)
		assert.Equal(t, vip.TierGold, *status.Tier)
		assert.Equal(t, "sub_b", status.SubscriptionID)
	})
}

func TestService_CancelSubscription(t *testing.T) {
	t.Parallel()

	t.Run("at period end", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("CancelAtPeriodEnd", mock.Anything, "sub_1").Return(&vip.Subscription{ID: "sub_1", CancelAtPeriodEnd: true}, nil).Once()
		svc, store := newTestService(t, p)
		indexSubscription(t, store, "sub_1", "u1", vip.TierGold)

		res, err := svc.CancelSubscription(context.Background(), "u1", "sub_1", false)
		require.NoError(t, err)
		assert.Equal(t, "Subscription will cancel at period end", res.Message)
		assert.True(t, res.Subscription.CancelAtPeriodEnd)

		_, err = store.GetEntitlement(context.Background(), "u1")
		assert.ErrorIs(t, err, vip.ErrEntitlementNotFound)
	})

	t.Run("immediately", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("CancelSubscription", mock.Anything, "sub_1").Return(&vip.Subscription{ID: "sub_1", Status: vip.ProviderStatusCanceled}, nil).Once()
		svc, store := newTestService(t, p)
		indexSubscription(t, store, "sub_1", "u1", vip.TierGold)

		res, err := svc.CancelSubscription(context.Background(), "u1", "sub_1", true)
		require.NoError(t, err)
		assert.Equal(t, "Subscription cancelled immediately", res.Message)
	})

	t.Run("someone else's subscription", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		svc, store := newTestService(t, p)
		indexSubscription(t, store, "sub_1", "u2", vip.TierGold)

		_, err := svc.CancelSubscription(context.Background(), "u1", "sub_1", true)
		require.ErrorIs(t, err, vip.ErrSubscriptionNotOwned)
		p.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything)
	})

	t.Run("not yet indexed falls back to provider metadata", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("GetSubscription", mock.Anything, "sub_1").Return(&vip.Subscription{ID: "sub_1", UserID: "u1"}, nil)
		p.On("CancelAtPeriodEnd", mock.Anything, "sub_1").Return(&vip.Subscription{ID: "sub_1"}, nil)
		svc, _ := newTestService(t, p)

		_, err := svc.CancelSubscription(context.Background(), "u1", "sub_1", false)
		require.NoError(t, err)
	})
}

func TestService_UpgradeSubscription(t *testing.T) {
	t.Parallel()

	t.Run("swaps the price", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("GetSubscription", mock.Anything, "sub_1").Return(&vip.Subscription{ID: "sub_1", UserID: "u1", ItemID: "si_1", Tier: vip.TierSilver}, nil)
		p.On("ChangePrice", mock.Anything, vip.PriceChange{
			SubscriptionID: "sub_1",
			ItemID:         "si_1",
			PriceID:        "price_platinum",
			Metadata:       map[string]string{vip.MetaTier: "platinum"},
		}).Return(&vip.Subscription{ID: "sub_1", Tier: vip.TierPlatinum}, nil).Once()

		svc, store := newTestService(t, p, vip.WithPrice(vip.TierPlatinum, "price_platinum"))
		indexSubscription(t, store, "sub_1", "u1", vip.TierSilver)

		res, err := svc.UpgradeSubscription(context.Background(), "u1", "sub_1", vip.TierPlatinum)
		require.NoError(t, err)
		assert.Equal(t, "Subscription upgraded successfully", res.Message)
		assert.Equal(t, vip.TierPlatinum, res.Subscription.Tier)
		p.AssertExpectations(t)
	})

	t.Run("invalid tier makes no provider call", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		svc, _ := newTestService(t, p)
		_, err := svc.UpgradeSubscription(context.Background(), "u1", "sub_1", "diamond")
		require.ErrorIs(t, err, vip.ErrInvalidTier)
		assert.Empty(t, p.Calls)
	})
}

func TestService_ProviderTimeout(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	p.On("CancelSubscription", mock.Anything, "sub_1").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	store := vip.NewMemoryStore()
	indexSubscription(t, store, "sub_1", "u1", vip.TierGold)
	cfg := testConfig
	cfg.ProviderTimeout = 20 * time.Millisecond
	svc := vip.NewService(cfg, p, store, newEventSet())

	_, err := svc.CancelSubscription(context.Background(), "u1", "sub_1", true)
	require.ErrorIs(t, err, vip.ErrProvider)
	assert.ErrorIs(t, err, vip.ErrProviderTimeout)
}

func TestService_HandleWebhook(t *testing.T) {
	t.Parallel()

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()

		p := &mockProvider{}
		p.On("ParseWebhook", []byte("{}"), "bad").Return(nil, vip.ErrSignatureVerification)
		svc, _ := newTestService(t, p)

		_, err := svc.HandleWebhook(context.Background(), []byte("{}"), "bad")
		require.ErrorIs(t, err, vip.ErrSignatureVerification)
	})

	t.Run("created then status", func(t *testing.T) {
		t.Parallel()

		ev := created("evt_1", "sub_1", "u1", vip.TierGold, t0, time.Now().AddDate(0, 1, 0))
		p := &mockProvider{}
		p.On("ParseWebhook", []byte("payload"), "sig").Return(ev, nil)
		svc, _ := newTestService(t, p)

		res, err := svc.HandleWebhook(context.Background(), []byte("payload"), "sig")
		require.NoError(t, err)
		assert.True(t, res.Processed)
		assert.Equal(t, vip.OutcomeProcessed, res.Outcome)
		assert.Equal(t, vip.EventSubscriptionCreated, res.EventType)

		ent, err := svc.GetEntitlement(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, vip.TierGold, ent.Tier)
		assert.Equal(t, vip.StatusActive, ent.Status)
	})

	t.Run("missing user id is acknowledged unprocessed", func(t *testing.T) {
		t.Parallel()

		ev := created("evt_1", "sub_1", "", vip.TierGold, t0, t0)
		p := &mockProvider{}
		p.On("ParseWebhook", mock.Anything, mock.Anything).Return(ev, nil)
		svc, _ := newTestService(t, p)

		res, err := svc.HandleWebhook(context.Background(), []byte("payload"), "sig")
		require.NoError(t, err)
		assert.False(t, res.Processed)
		assert.Equal(t, vip.OutcomeUnresolved, res.Outcome)
	})
}

func TestService_Expiration(t *testing.T) {
	t.Parallel()

	now := t0.AddDate(0, 2, 0)
	seed := func(t *testing.T, store vip.Store) {
		t.Helper()
		ctx := context.Background()
		require.NoError(t, store.SaveEntitlement(ctx, vip.Entitlement{
			UserID: "lapsed", Tier: vip.TierGold, Status: vip.StatusActive,
			Flags: vip.Flags{AdFree: true}, EndDate: t0.AddDate(0, 1, 0),
		}))
		require.NoError(t, store.SaveEntitlement(ctx, vip.Entitlement{
			UserID: "current", Tier: vip.TierGold, Status: vip.StatusActive,
			Flags: vip.Flags{AdFree: true}, EndDate: now.AddDate(0, 1, 0),
		}))
		require.NoError(t, store.SaveEntitlement(ctx, vip.Entitlement{
			UserID: "cancelled", Tier: vip.TierGold, Status: vip.StatusCancelled, EndDate: t0,
		}))
	}

	t.Run("sweep is idempotent", func(t *testing.T) {
		t.Parallel()

		svc, store := newTestService(t, &mockProvider{}, vip.WithClock(fixedClock(now)))
		seed(t, store)

		n, err := svc.ApplyExpiration(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = svc.ApplyExpiration(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)

		ent, err := store.GetEntitlement(context.Background(), "lapsed")
		require.NoError(t, err)
		assert.Equal(t, vip.StatusExpired, ent.Status)
		assert.False(t, ent.Flags.Any())
		assert.Equal(t, vip.TierGold, ent.Tier)

		ent, err = store.GetEntitlement(context.Background(), "cancelled")
		require.NoError(t, err)
		assert.Equal(t, vip.StatusCancelled, ent.Status)
	})

	t.Run("lazy on read", func(t *testing.T) {
		t.Parallel()

		svc, store := newTestService(t, &mockProvider{}, vip.WithClock(fixedClock(now)))
		seed(t, store)

		ent, err := svc.GetEntitlement(context.Background(), "lapsed")
		require.NoError(t, err)
		assert.Equal(t, vip.StatusExpired, ent.Status)

		ent, err = svc.GetEntitlement(context.Background(), "current")
		require.NoError(t, err)
		assert.Equal(t, vip.StatusActive, ent.Status)
	})

	t.Run("unknown user gets the inactive default", func(t *testing.T) {
		t.Parallel()

		svc, _ := newTestService(t, &mockProvider{})
		ent, err := svc.GetEntitlement(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Equal(t, vip.DefaultEntitlement("nobody"), ent)
		assert.False(t, ent.HasAccess(time.Now()))
	})
}

type countingExpirer struct {
	calls chan struct{}
	err   error
}

func (c *countingExpirer) ApplyExpiration(context.Context) (int, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return 1, c.err
}

func TestSweeper_Run(t *testing.T) {
	t.Parallel()

	exp := &countingExpirer{calls: make(chan struct{}, 8), err: errors.New("transient")}
	sweeper := vip.NewSweeper(exp, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	for range 3 {
		select {
		case <-exp.calls:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not tick")
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeper_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { vip.NewSweeper(nil, time.Second) })
	assert.Panics(t, func() { vip.NewSweeper(&countingExpirer{}, 0) })
}
