package vip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bezhas/vip/pkg/logger"
)

// Identity is whoever starts a checkout. An empty UserID is a guest.
type Identity struct {
	UserID        string
	Email         string
	WalletAddress string
}

// CheckoutResult is what the client needs to redirect to hosted checkout.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Tier      TierID `json:"tier"`
	Price     Money  `json:"price"`
}

// CreateCheckoutSession starts a subscription checkout for the tier. The
// user, wallet and tier are attached to both the session and the future
// subscription so webhooks resolve the user without a lookup.
func (s *Service) CreateCheckoutSession(ctx context.Context, id TierID, who Identity) (*CheckoutResult, error) {
	tier, err := s.catalog.Tier(id)
	if err != nil {
		return nil, err
	}

	userID := who.UserID
	if userID == "" {
		userID = "guest-" + uuid.NewString()
	}

	priceID, err := s.catalog.EnsureExternalPrice(ctx, tier.ID)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(s.cfg.FrontendURL, "/")
	req := CheckoutRequest{
		PriceID:           priceID,
		ClientReferenceID: userID,
		CustomerEmail:     who.Email,
		SuccessURL:        base + "/vip/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         base + "/vip",
		Metadata: map[string]string{
			MetaUserID:        userID,
			MetaWalletAddress: who.WalletAddress,
			MetaTier:          tier.ID.String(),
			MetaType:          MetaTypeVIP,
		},
		SubscriptionMetadata: map[string]string{
			MetaUserID:        userID,
			MetaWalletAddress: who.WalletAddress,
			MetaTier:          tier.ID.String(),
		},
	}

	sess, err := callProvider(ctx, s.timeout, s.metrics, "checkout.session.create", func(ctx context.Context) (*CheckoutSession, error) {
		return s.provider.CreateCheckoutSession(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	s.log.InfoContext(ctx, "created checkout session",
		logger.UserID(userID),
		logger.Tier(tier.ID.String()),
	)
	return &CheckoutResult{
		SessionID: sess.ID,
		URL:       sess.URL,
		Tier:      tier.ID,
		Price:     tier.Price,
	}, nil
}

// SessionVerification summarizes a completed checkout for the success page.
type SessionVerification struct {
	TierName       string         `json:"tierName"`
	Tier           TierID         `json:"tier"`
	Price          Money          `json:"price"`
	SubscriptionID string         `json:"subscriptionId"`
	Status         ProviderStatus `json:"status"`
	NextBilling    time.Time      `json:"nextBilling"`
}

// VerifySession checks that a checkout was paid and returns the resulting
// subscription. Unpaid sessions yield ErrPaymentNotCompleted.
func (s *Service) VerifySession(ctx context.Context, sessionID string) (*SessionVerification, error) {
	sess, err := callProvider(ctx, s.timeout, s.metrics, "checkout.session.get", func(ctx context.Context) (*CheckoutSession, error) {
		return s.provider.GetCheckoutSession(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	if sess.PaymentStatus != "paid" {
		return nil, ErrPaymentNotCompleted
	}
	if sess.SubscriptionID == "" {
		return nil, ErrSubscriptionNotFound
	}

	sub, err := s.getSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return nil, err
	}

	id := sub.Tier
	if !id.Valid() {
		id = TierID(sess.Metadata[MetaTier])
	}
	tier, err := s.catalog.Tier(id)
	if err != nil {
		return nil, err
	}

	return &SessionVerification{
		TierName:       tier.Name,
		Tier:           tier.ID,
		Price:          tier.Price,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		NextBilling:    sub.CurrentPeriodEnd,
	}, nil
}
