package vip

import "context"

// NotificationKind names a real-time entitlement change pushed to clients.
type NotificationKind string

const (
	NotifyActivated     NotificationKind = "vip-activated"
	NotifyUpdated       NotificationKind = "vip-updated"
	NotifyCancelled     NotificationKind = "vip-cancelled"
	NotifyRenewed       NotificationKind = "vip-renewed"
	NotifyPaymentFailed NotificationKind = "vip-payment-failed"
)

// Notifier pushes a message to a user's live connections. Delivery is best
// effort: the reconciler logs a returned error and carries on.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind NotificationKind, payload any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID string, kind NotificationKind, payload any) error

func (f NotifierFunc) Notify(ctx context.Context, userID string, kind NotificationKind, payload any) error {
	return f(ctx, userID, kind, payload)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, NotificationKind, any) error { return nil }

// Notification is the payload attached to every entitlement notification.
type Notification struct {
	Tier           TierID `json:"tier,omitempty"`
	Status         Status `json:"status"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	EndDate        int64  `json:"endDate,omitempty"` // unix millis
	Message        string `json:"message"`
}
