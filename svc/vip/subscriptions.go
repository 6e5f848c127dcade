package vip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

// CancellationResult is returned by CancelSubscription.
type CancellationResult struct {
	Message      string        `json:"message"`
	Subscription *Subscription `json:"subscription"`
}

// UpgradeResult is returned by UpgradeSubscription.
type UpgradeResult struct {
	Message      string        `json:"message"`
	Subscription *Subscription `json:"subscription"`
}

// VipStatus is the provider-derived VIP state of a user.
type VipStatus struct {
	HasVip            bool       `json:"hasVip"`
	Tier              *TierID    `json:"tier"`
	SubscriptionID    string     `json:"subscriptionId,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd,omitempty"`
}

// ListActiveSubscriptions returns the user's active subscriptions as the
// provider currently reports them. Candidates come from the local index.
func (s *Service) ListActiveSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	recs, err := s.store.SubscriptionRecordsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(recs))
	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		sub, err := s.getSubscription(ctx, rec.SubscriptionID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sub.Status == ProviderStatusActive && sub.UserID == userID {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

// CancelSubscription cancels now or at period end. The entitlement is left
// alone; the resulting webhook updates it.
func (s *Service) CancelSubscription(ctx context.Context, userID, subID string, immediate bool) (*CancellationResult, error) {
	if err := s.authorize(ctx, userID, subID); err != nil {
		return nil, err
	}

	op, msg, fn := "subscription.cancel_at_period_end", "Subscription will cancel at period end", s.provider.CancelAtPeriodEnd
	if immediate {
		op, msg, fn = "subscription.cancel", "Subscription cancelled immediately", s.provider.CancelSubscription
	}

	sub, err := callProvider(ctx, s.timeout, s.metrics, op, func(ctx context.Context) (*Subscription, error) {
		return fn(ctx, subID)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription cancellation requested",
		logger.UserID(userID),
		logger.SubscriptionID(subID),
		"immediate", immediate,
	)
	return &CancellationResult{Message: msg, Subscription: sub}, nil
}

// UpgradeSubscription swaps the subscription to another tier's price with
// immediate proration. The entitlement changes when the webhook arrives.
func (s *Service) UpgradeSubscription(ctx context.Context, userID, subID string, newTier TierID) (*UpgradeResult, error) {
	tier, err := s.catalog.Tier(newTier)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, subID); err != nil {
		return nil, err
	}

	priceID, err := s.catalog.EnsureExternalPrice(ctx, tier.ID)
	if err != nil {
		return nil, err
	}

	cur, err := s.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if cur.ItemID == "" {
		return nil, ErrNoSubscriptionItem
	}

	change := PriceChange{
		SubscriptionID: subID,
		ItemID:         cur.ItemID,
		PriceID:        priceID,
		Metadata:       map[string]string{MetaTier: tier.ID.String()},
	}
	sub, err := callProvider(ctx, s.timeout, s.metrics, "subscription.change_price", func(ctx context.Context) (*Subscription, error) {
		return s.provider.ChangePrice(ctx, change)
	})
	if err != nil {
		return nil, fmt.Errorf("upgrade subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription tier changed",
		logger.UserID(userID),
		logger.SubscriptionID(subID),
		logger.Tier(tier.ID.String()),
	)
	return &UpgradeResult{Message: "Subscription upgraded successfully", Subscription: sub}, nil
}

// CheckUserVipStatus reports the user's VIP state from their active
// subscriptions. With more than one, the highest tier wins.
func (s *Service) CheckUserVipStatus(ctx context.Context, userID string) (*VipStatus, error) {
	subs, err := s.ListActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return &VipStatus{HasVip: false}, nil
	}

	best := subs[0]
	for _, sub := range subs[1:] {
		if HigherTier(best.Tier, sub.Tier) != best.Tier {
			best = sub
		}
	}
	if len(subs) > 1 {
		s.log.WarnContext(ctx, "user has more than one active VIP subscription",
			logger.UserID(userID),
			"count", len(subs),
		)
	}

	tier := best.Tier
	end := best.CurrentPeriodEnd
	return &VipStatus{
		HasVip:            true,
		Tier:              &tier,
		SubscriptionID:    best.ID,
		CurrentPeriodEnd:  &end,
		CancelAtPeriodEnd: best.CancelAtPeriodEnd,
	}, nil
}

// authorize checks that subID belongs to userID, using the index and
// falling back to the provider's metadata for not yet indexed subscriptions.
func (s *Service) authorize(ctx context.Context, userID, subID string) error {
	rec, err := s.store.GetSubscriptionRecord(ctx, subID)
	switch {
	case err == nil:
		if rec.UserID != userID {
			return ErrSubscriptionNotOwned
		}
		return nil
	case !errors.Is(err, ErrSubscriptionNotFound):
		return fmt.Errorf("load subscription record: %w", err)
	}

	sub, err := s.getSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return ErrSubscriptionNotOwned
	}
	return nil
}

func (s *Service) getSubscription(ctx context.Context, subID string) (*Subscription, error) {
	sub, err := callProvider(ctx, s.timeout, s.metrics, "subscription.get", func(ctx context.Context) (*Subscription, error) {
		return s.provider.GetSubscription(ctx, subID)
	})
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subID, err)
	}
	return sub, nil
}
