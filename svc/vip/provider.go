package vip

import (
	"context"
	"time"
)

// ProviderStatus is the billing provider's subscription status.
type ProviderStatus string

const (
	ProviderStatusIncomplete        ProviderStatus = "incomplete"
	ProviderStatusIncompleteExpired ProviderStatus = "incomplete_expired"
	ProviderStatusTrialing          ProviderStatus = "trialing"
	ProviderStatusActive            ProviderStatus = "active"
	ProviderStatusPastDue           ProviderStatus = "past_due"
	ProviderStatusCanceled          ProviderStatus = "canceled"
	ProviderStatusUnpaid            ProviderStatus = "unpaid"
	ProviderStatusPaused            ProviderStatus = "paused"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetaUserID        = "userId"
	MetaWalletAddress = "walletAddress"
	MetaTier          = "tier"
	MetaType          = "type"

	MetaTypeVIP = "vip_subscription"
)

// Subscription is the provider's view of a subscription. The provider is the
// source of truth; this value is never persisted as authoritative state.
type Subscription struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customerId"`
	UserID            string            `json:"userId,omitempty"`
	WalletAddress     string            `json:"walletAddress,omitempty"`
	Tier              TierID            `json:"tier,omitempty"`
	Status            ProviderStatus    `json:"status"`
	PriceID           string            `json:"priceId,omitempty"`
	ItemID            string            `json:"-"`
	CurrentPeriodEnd  time.Time         `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool              `json:"cancelAtPeriodEnd"`
	Created           time.Time         `json:"created"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ProductSpec describes the provider product backing a tier.
type ProductSpec struct {
	Name        string
	Description string
	Metadata    map[string]string
}

// PriceSpec describes the monthly recurring price of a tier.
type PriceSpec struct {
	ProductID string
	Amount    Money
	Interval  string
	Metadata  map[string]string
}

// CheckoutRequest is a hosted-checkout session in subscription mode.
type CheckoutRequest struct {
	PriceID              string
	ClientReferenceID    string
	CustomerEmail        string
	SuccessURL           string
	CancelURL            string
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
}

// CheckoutSession is the provider's answer to a CheckoutRequest, or the
// state of an existing session when retrieved.
type CheckoutSession struct {
	ID             string
	URL            string
	PaymentStatus  string
	SubscriptionID string
	Metadata       map[string]string
}

// PriceChange swaps the price of a subscription item with immediate proration.
type PriceChange struct {
	SubscriptionID string
	ItemID         string
	PriceID        string
	Metadata       map[string]string
}

// ProductCatalog provisions products and prices in the billing provider.
type ProductCatalog interface {
	// FindProduct returns the id of an active product with the given name.
	FindProduct(ctx context.Context, name string) (id string, found bool, err error)
	CreateProduct(ctx context.Context, spec ProductSpec) (string, error)
	// FindPrice returns the id of an active recurring price on the product
	// matching amount and interval.
	FindPrice(ctx context.Context, spec PriceSpec) (id string, found bool, err error)
	CreatePrice(ctx context.Context, spec PriceSpec) (string, error)
}

// BillingProvider is everything the service needs from the external billing system.
type BillingProvider interface {
	ProductCatalog

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)

	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, id string) (*Subscription, error)
	ChangePrice(ctx context.Context, change PriceChange) (*Subscription, error)

	// ParseWebhook verifies the signature before decoding the payload.
	// A bad signature yields ErrSignatureVerification.
	ParseWebhook(payload []byte, signature string) (Event, error)
}
