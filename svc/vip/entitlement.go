package vip

import "time"

// Status is the local entitlement state.
type Status string

const (
	StatusInactive      Status = "inactive"
	StatusActive        Status = "active"
	StatusExpired       Status = "expired"
	StatusCancelled     Status = "cancelled"
	StatusPaymentFailed Status = "payment_failed"
)

// Entitlement is the durable projection of a user's VIP access. It changes
// only through the Reconciler, the expiration pass, or the inactive default.
type Entitlement struct {
	UserID         string    `json:"userId" bson:"_id"`
	Tier           TierID    `json:"tier,omitempty" bson:"tier"`
	Status         Status    `json:"status" bson:"status"`
	Flags          Flags     `json:"features" bson:"features"`
	StartDate      time.Time `json:"startDate" bson:"startDate"`
	EndDate        time.Time `json:"endDate" bson:"endDate"`
	CustomerID     string    `json:"customerId,omitempty" bson:"customerId"`
	SubscriptionID string    `json:"subscriptionId,omitempty" bson:"subscriptionId"`
	LastEventID    string    `json:"-" bson:"lastEventId"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updatedAt"`
}

// DefaultEntitlement is the implicit state of a user who never subscribed.
func DefaultEntitlement(userID string) Entitlement {
	return Entitlement{UserID: userID, Status: StatusInactive}
}

// HasAccess reports whether the entitlement grants VIP access at now.
func (e Entitlement) HasAccess(now time.Time) bool {
	return e.Status == StatusActive && e.Tier != "" && e.EndDate.After(now)
}

// Lapsed reports whether e claims to be active while violating the active
// invariant at now: a past end date or no tier.
func (e Entitlement) Lapsed(now time.Time) bool {
	return e.Status == StatusActive && (e.Tier == "" || !e.EndDate.After(now))
}

// expire returns e downgraded to expired with its flags cleared.
func (e Entitlement) expire(now time.Time) Entitlement {
	e.Status = StatusExpired
	e.Flags = Flags{}
	e.UpdatedAt = now
	return e
}
