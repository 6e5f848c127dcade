package vip

import (
	"context"
	"time"
)

// EntitlementStore persists Entitlements. SaveEntitlement must replace the
// whole snapshot in one atomic write.
type EntitlementStore interface {
	// GetEntitlement returns ErrEntitlementNotFound for users without a record.
	GetEntitlement(ctx context.Context, userID string) (Entitlement, error)
	SaveEntitlement(ctx context.Context, e Entitlement) error
	// ExpireEntitlements marks lapsed active entitlements as expired and
	// returns how many changed. With userIDs it only considers those users.
	ExpireEntitlements(ctx context.Context, now time.Time, userIDs ...string) (int, error)
}

// SubscriptionRecord is the local index entry for one provider subscription.
type SubscriptionRecord struct {
	SubscriptionID string    `bson:"_id"`
	UserID         string    `bson:"userId"`
	CustomerID     string    `bson:"customerId"`
	Tier           TierID    `bson:"tier"`
	LastEventID    string    `bson:"lastEventId"`
	LastEventAt    time.Time `bson:"lastEventAt"`
	Deleted        bool      `bson:"deleted"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

// SubscriptionIndex maps provider subscriptions to local users and records
// the ordering watermark of the last applied event.
type SubscriptionIndex interface {
	// GetSubscriptionRecord returns ErrSubscriptionNotFound for unknown ids.
	GetSubscriptionRecord(ctx context.Context, subscriptionID string) (SubscriptionRecord, error)
	PutSubscriptionRecord(ctx context.Context, rec SubscriptionRecord) error
	SubscriptionRecordsByUser(ctx context.Context, userID string) ([]SubscriptionRecord, error)
}

// Store is the persistence the service needs.
type Store interface {
	EntitlementStore
	SubscriptionIndex
}

// EventSet remembers processed webhook event ids for a bounded time.
type EventSet interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}
