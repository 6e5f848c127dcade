package vip_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bezhas/vip/svc/vip"
)

type reconcilerEnv struct {
	store    vip.Store
	events   *eventSet
	notified *recorder
	r        *vip.Reconciler
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()
	env := &reconcilerEnv{
		store:    vip.NewMemoryStore(),
		events:   newEventSet(),
		notified: &recorder{},
	}
	env.r = vip.NewReconciler(env.store, env.events, vip.NewCatalog(&mockProvider{}),
		vip.WithNotifier(env.notified),
		vip.WithClock(fixedClock(t0)),
	)
	return env
}

func (e *reconcilerEnv) entitlement(t *testing.T, userID string) vip.Entitlement {
	t.Helper()
	ent, err := e.store.GetEntitlement(context.Background(), userID)
	require.NoError(t, err)
	return ent
}

func TestReconciler_Created(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	end := t0.AddDate(0, 1, 0)
	out, err := env.r.Apply(context.Background(), created("evt_1", "sub_1", "u1", vip.TierGold, t0, end))
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeProcessed, out)

	ent := env.entitlement(t, "u1")
	assert.Equal(t, vip.TierGold, ent.Tier)
	assert.Equal(t, vip.StatusActive, ent.Status)
	assert.True(t, ent.Flags.APIAccess)
	assert.Equal(t, t0, ent.StartDate)
	assert.Equal(t, end, ent.EndDate)
	assert.Equal(t, "cus_1", ent.CustomerID)
	assert.Equal(t, "sub_1", ent.SubscriptionID)
	assert.Equal(t, []vip.NotificationKind{vip.NotifyActivated}, env.notified.Kinds())

	rec, err := env.store.GetSubscriptionRecord(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, vip.TierGold, rec.Tier)
	assert.Equal(t, t0, rec.LastEventAt)
	assert.False(t, rec.Deleted)
}

func TestReconciler_CreatedWithoutPeriodEnd(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	_, err := env.r.Apply(context.Background(), created("evt_1", "sub_1", "u1", vip.TierBronze, t0, time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 1, 0), env.entitlement(t, "u1").EndDate)
}

func TestReconciler_ReplayDoesNotExtendTwice(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierSilver, t0, end))
	require.NoError(t, err)

	renewal := renewed("evt_2", "sub_1", "", t0.Add(time.Hour))
	out, err := env.r.Apply(ctx, renewal)
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeProcessed, out)
	after := env.entitlement(t, "u1")
	assert.Equal(t, end.AddDate(0, 1, 0), after.EndDate)

	out, err = env.r.Apply(ctx, renewal)
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeDuplicate, out)
	assert.Equal(t, after, env.entitlement(t, "u1"))
	assert.Equal(t, []vip.NotificationKind{vip.NotifyActivated, vip.NotifyRenewed}, env.notified.Kinds())
}

func TestReconciler_ReplayAfterLostDedupMark(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierSilver, t0, end))
	require.NoError(t, err)
	_, err = env.r.Apply(ctx, renewed("evt_2", "sub_1", "u1", t0.Add(time.Hour)))
	require.NoError(t, err)

	// A fresh dedup set, as after a restart with in-memory dedup.
	fresh := vip.NewReconciler(env.store, newEventSet(), vip.NewCatalog(&mockProvider{}))
	out, err := fresh.Apply(ctx, renewed("evt_2", "sub_1", "u1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeDuplicate, out)
	assert.Equal(t, end.AddDate(0, 1, 0), env.entitlement(t, "u1").EndDate)
}

func TestReconciler_FirstInvoiceDoesNotExtend(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, end))
	require.NoError(t, err)

	first := renewed("evt_2", "sub_1", "u1", t0)
	first.Invoice.BillingReason = vip.BillingReasonSubscriptionCreate
	first.Invoice.PeriodEnd = end
	_, err = env.r.Apply(ctx, first)
	require.NoError(t, err)

	assert.Equal(t, end, env.entitlement(t, "u1").EndDate)
}

func TestReconciler_RenewalChainsFromCurrentEnd(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, end))
	require.NoError(t, err)

	// Delivered a week after the period rolled over.
	_, err = env.r.Apply(ctx, renewed("evt_2", "sub_1", "u1", end.AddDate(0, 0, 7)))
	require.NoError(t, err)
	assert.Equal(t, end.AddDate(0, 1, 0), env.entitlement(t, "u1").EndDate)
}

func TestReconciler_OutOfOrder(t *testing.T) {
	t.Parallel()

	t.Run("older renewal after deletion is discarded", func(t *testing.T) {
		t.Parallel()

		env := newReconcilerEnv(t)
		ctx := context.Background()
		_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, t0.AddDate(0, 1, 0)))
		require.NoError(t, err)

		_, err = env.r.Apply(ctx, deleted("evt_3", "sub_1", "u1", t0.Add(2*time.Hour)))
		require.NoError(t, err)

		out, err := env.r.Apply(ctx, renewed("evt_2", "sub_1", "u1", t0.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, vip.OutcomeStale, out)

		ent := env.entitlement(t, "u1")
		assert.Equal(t, vip.StatusCancelled, ent.Status)
		assert.False(t, ent.Flags.Any())
	})

	t.Run("later deletion wins over earlier renewal", func(t *testing.T) {
		t.Parallel()

		env := newReconcilerEnv(t)
		ctx := context.Background()
		_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, t0.AddDate(0, 1, 0)))
		require.NoError(t, err)
		_, err = env.r.Apply(ctx, renewed("evt_2", "sub_1", "u1", t0.Add(time.Hour)))
		require.NoError(t, err)
		_, err = env.r.Apply(ctx, deleted("evt_3", "sub_1", "u1", t0.Add(2*time.Hour)))
		require.NoError(t, err)

		assert.Equal(t, vip.StatusCancelled, env.entitlement(t, "u1").Status)
	})

	t.Run("renewal newer than deletion applies", func(t *testing.T) {
		t.Parallel()

		env := newReconcilerEnv(t)
		ctx := context.Background()
		_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, t0.AddDate(0, 1, 0)))
		require.NoError(t, err)
		_, err = env.r.Apply(ctx, deleted("evt_2", "sub_1", "u1", t0.Add(time.Hour)))
		require.NoError(t, err)

		out, err := env.r.Apply(ctx, renewed("evt_3", "sub_1", "u1", t0.Add(2*time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, vip.OutcomeProcessed, out)
		assert.Equal(t, vip.StatusActive, env.entitlement(t, "u1").Status)
	})

	t.Run("update at the deletion instant is discarded", func(t *testing.T) {
		t.Parallel()

		env := newReconcilerEnv(t)
		ctx := context.Background()
		_, err := env.r.Apply(ctx, deleted("evt_2", "sub_1", "u1", t0))
		require.NoError(t, err)

		update := vip.SubscriptionUpdated{
			EventMeta: vip.EventMeta{ID: "evt_1", Type: vip.EventSubscriptionUpdated, Created: t0},
			Subscription: vip.Subscription{
				ID: "sub_1", UserID: "u1", Tier: vip.TierGold, Status: vip.ProviderStatusActive,
			},
		}
		out, err := env.r.Apply(ctx, update)
		require.NoError(t, err)
		assert.Equal(t, vip.OutcomeStale, out)
		assert.Equal(t, vip.StatusCancelled, env.entitlement(t, "u1").Status)
	})
}

func TestReconciler_Updated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    vip.ProviderStatus
		tier      vip.TierID
		want      vip.Status
		wantTier  vip.TierID
		wantFlags bool
	}{
		{"active with new tier", vip.ProviderStatusActive, vip.TierPlatinum, vip.StatusActive, vip.TierPlatinum, true},
		{"active without tier keeps current", vip.ProviderStatusActive, "", vip.StatusActive, vip.TierSilver, true},
		{"canceled", vip.ProviderStatusCanceled, vip.TierSilver, vip.StatusCancelled, vip.TierSilver, false},
		{"past due keeps features", vip.ProviderStatusPastDue, vip.TierSilver, vip.StatusInactive, vip.TierSilver, true},
		{"trialing is not active", vip.ProviderStatusTrialing, vip.TierSilver, vip.StatusInactive, vip.TierSilver, true},
		{"incomplete expired", vip.ProviderStatusIncompleteExpired, vip.TierSilver, vip.StatusInactive, vip.TierSilver, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newReconcilerEnv(t)
			ctx := context.Background()
			_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierSilver, t0, t0.AddDate(0, 1, 0)))
			require.NoError(t, err)

			out, err := env.r.Apply(ctx, vip.SubscriptionUpdated{
				EventMeta: vip.EventMeta{ID: "evt_2", Type: vip.EventSubscriptionUpdated, Created: t0.Add(time.Minute)},
				Subscription: vip.Subscription{
					ID: "sub_1", UserID: "u1", Tier: tt.tier, Status: tt.status,
					CurrentPeriodEnd: t0.AddDate(0, 1, 0),
				},
			})
			require.NoError(t, err)
			assert.Equal(t, vip.OutcomeProcessed, out)

			ent := env.entitlement(t, "u1")
			assert.Equal(t, tt.want, ent.Status)
			assert.Equal(t, tt.wantTier, ent.Tier)
			assert.Equal(t, tt.wantFlags, ent.Flags.Any())
			assert.Contains(t, env.notified.Kinds(), vip.NotifyUpdated)
		})
	}
}

func TestReconciler_PaymentFailedKeepsFlags(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, t0.AddDate(0, 1, 0)))
	require.NoError(t, err)

	_, err = env.r.Apply(ctx, vip.InvoicePaymentFailed{
		EventMeta: vip.EventMeta{ID: "evt_2", Type: vip.EventInvoicePaymentFailed, Created: t0.Add(time.Hour)},
		Invoice:   vip.Invoice{ID: "in_1", SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)

	ent := env.entitlement(t, "u1")
	assert.Equal(t, vip.StatusPaymentFailed, ent.Status)
	assert.True(t, ent.Flags.APIAccess)
	assert.Equal(t, vip.TierGold, ent.Tier)
	assert.Equal(t, vip.NotifyPaymentFailed, env.notified.Kinds()[1])
}

func TestReconciler_PastDueAfterPaymentFailureKeepsFeatures(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, t0, end))
	require.NoError(t, err)

	_, err = env.r.Apply(ctx, vip.InvoicePaymentFailed{
		EventMeta: vip.EventMeta{ID: "evt_2", Type: vip.EventInvoicePaymentFailed, Created: end},
		Invoice:   vip.Invoice{ID: "in_1", SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)

	out, err := env.r.Apply(ctx, vip.SubscriptionUpdated{
		EventMeta: vip.EventMeta{ID: "evt_3", Type: vip.EventSubscriptionUpdated, Created: end.Add(time.Second)},
		Subscription: vip.Subscription{
			ID: "sub_1", UserID: "u1", Status: vip.ProviderStatusPastDue, CurrentPeriodEnd: end.AddDate(0, 1, 0),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeProcessed, out)

	ent := env.entitlement(t, "u1")
	assert.Equal(t, vip.StatusInactive, ent.Status)
	assert.Equal(t, vip.TierGold, ent.Tier)
	assert.True(t, ent.Flags.APIAccess)
	assert.Equal(t, end, ent.EndDate)
}

func TestReconciler_RenewalIndependentOfArrivalOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	p1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	p2 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	update := vip.SubscriptionUpdated{
		EventMeta: vip.EventMeta{ID: "evt_upd", Type: vip.EventSubscriptionUpdated, Created: p1},
		Subscription: vip.Subscription{
			ID: "sub_1", UserID: "u1", Status: vip.ProviderStatusActive, CurrentPeriodEnd: p2,
		},
	}
	cycle := renewed("evt_inv", "sub_1", "u1", p1.Add(time.Second))
	cycle.Invoice.PeriodEnd = p2
	bare := renewed("evt_inv", "sub_1", "u1", p1.Add(time.Second))

	tests := []struct {
		name   string
		events []vip.Event
	}{
		{"update then invoice", []vip.Event{update, cycle}},
		{"invoice then update", []vip.Event{cycle, update}},
		{"update then invoice without period", []vip.Event{update, bare}},
		{"invoice without period then update", []vip.Event{bare, update}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newReconcilerEnv(t)
			ctx := context.Background()
			_, err := env.r.Apply(ctx, created("evt_1", "sub_1", "u1", vip.TierGold, start, p1))
			require.NoError(t, err)

			for _, ev := range tt.events {
				_, err := env.r.Apply(ctx, ev)
				require.NoError(t, err)
			}

			ent := env.entitlement(t, "u1")
			assert.Equal(t, p2, ent.EndDate)
			assert.Equal(t, vip.StatusActive, ent.Status)
		})
	}
}

func TestReconciler_DeletingReplacedSubscription(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_1", "sub_a", "u1", vip.TierSilver, t0, end))
	require.NoError(t, err)
	_, err = env.r.Apply(ctx, created("evt_2", "sub_b", "u1", vip.TierGold, t0.Add(time.Hour), end))
	require.NoError(t, err)

	out, err := env.r.Apply(ctx, deleted("evt_3", "sub_a", "u1", t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeProcessed, out)

	ent := env.entitlement(t, "u1")
	assert.Equal(t, vip.StatusActive, ent.Status)
	assert.Equal(t, vip.TierGold, ent.Tier)
	assert.Equal(t, "sub_b", ent.SubscriptionID)
	assert.True(t, ent.Flags.APIAccess)
	assert.NotContains(t, env.notified.Kinds(), vip.NotifyCancelled)

	// The ended subscription's late renewal stays out.
	out, err = env.r.Apply(ctx, renewed("evt_4", "sub_a", "u1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeStale, out)

	out, err = env.r.Apply(ctx, deleted("evt_5", "sub_b", "u1", t0.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeProcessed, out)
	assert.Equal(t, vip.StatusCancelled, env.entitlement(t, "u1").Status)
}

func TestReconciler_Unresolved(t *testing.T) {
	t.Parallel()

	t.Run("no user id and unknown subscription", func(t *testing.T) {
		t.Parallel()

		env := newReconcilerEnv(t)
		out, err := env.r.Apply(context.Background(), created("evt_1", "sub_x", "", vip.TierGold, t0, t0))
		require.NoError(t, err)
		assert.Equal(t, vip.OutcomeUnresolved, out)
		assert.False(t, out.Applied())

		_, err = env.store.GetSubscriptionRecord(context.Background(), "sub_x")
		assert.ErrorIs(t, err, vip.ErrSubscriptionNotFound)
		assert.Empty(t, env.notified.Kinds())
	})

	t.Run("unrecognized tier", func(t *testing.T) {
		t.Parallel()

		env := newReconcilerEnv(t)
		out, err := env.r.Apply(context.Background(), created("evt_1", "sub_1", "u1", "diamond", t0, t0))
		require.NoError(t, err)
		assert.Equal(t, vip.OutcomeUnresolved, out)

		_, err = env.store.GetEntitlement(context.Background(), "u1")
		assert.ErrorIs(t, err, vip.ErrEntitlementNotFound)
	})
}

func TestReconciler_Ignored(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	out, err := env.r.Apply(context.Background(), vip.UnknownEvent{
		EventMeta: vip.EventMeta{ID: "evt_1", Type: "charge.refunded", Created: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeIgnored, out)
}

func TestReconciler_NotifyFailureDoesNotFailEvent(t *testing.T) {
	t.Parallel()

	store := vip.NewMemoryStore()
	r := vip.NewReconciler(store, newEventSet(), vip.NewCatalog(&mockProvider{}),
		vip.WithNotifier(&recorder{err: errors.New("socket closed")}),
	)
	out, err := r.Apply(context.Background(), created("evt_1", "sub_1", "u1", vip.TierGold, t0, t0.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, vip.OutcomeProcessed, out)

	ent, err := store.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, vip.StatusActive, ent.Status)
}

type failingStore struct {
	vip.Store
}

func (failingStore) SaveEntitlement(context.Context, vip.Entitlement) error {
	return errors.New("write concern timeout")
}

func TestReconciler_PersistFailureLeavesEventUnmarked(t *testing.T) {
	t.Parallel()

	events := newEventSet()
	r := vip.NewReconciler(failingStore{vip.NewMemoryStore()}, events, vip.NewCatalog(&mockProvider{}))
	_, err := r.Apply(context.Background(), created("evt_1", "sub_1", "u1", vip.TierGold, t0, t0))
	require.Error(t, err)

	seen, err := events.Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestReconciler_ConcurrentRenewals(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t)
	ctx := context.Background()
	end := t0.AddDate(0, 1, 0)
	_, err := env.r.Apply(ctx, created("evt_0", "sub_1", "u1", vip.TierGold, t0, end))
	require.NoError(t, err)

	const n = 12
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Same timestamp for all so none is stale; each delivered twice.
			ev := renewed(fmt.Sprintf("evt_r%d", i), "sub_1", "u1", t0.Add(time.Hour))
			_, _ = env.r.Apply(ctx, ev)
			_, _ = env.r.Apply(ctx, ev)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, end.AddDate(0, n, 0), env.entitlement(t, "u1").EndDate)
}
