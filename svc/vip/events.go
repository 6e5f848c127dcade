package vip

import "time"

// Provider event types the reconciler acts on.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Event is a verified webhook event decoded into one of the variants below.
// Anything the service does not handle decodes to UnknownEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is the envelope shared by every variant.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// Invoice is the subset of an invoice the reconciler reads. UserID and Tier
// come from the subscription metadata snapshot on the invoice.
type Invoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	UserID         string
	Tier           TierID
	BillingReason  string
	PeriodEnd      time.Time // end of the subscription period the invoice pays for
}

// BillingReasonSubscriptionCreate marks the first invoice of a subscription.
const BillingReasonSubscriptionCreate = "subscription_create"

type SubscriptionCreated struct {
	EventMeta
	Subscription Subscription
}

type SubscriptionUpdated struct {
	EventMeta
	Subscription Subscription
}

type SubscriptionDeleted struct {
	EventMeta
	Subscription Subscription
}

type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice Invoice
}

type InvoicePaymentFailed struct {
	EventMeta
	Invoice Invoice
}

type UnknownEvent struct {
	EventMeta
}

func (SubscriptionCreated) isEvent()     {}
func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (UnknownEvent) isEvent()            {}

// subject returns the subscription, user and tier an event refers to.
func subject(ev Event) (subID, userID string, tier TierID) {
	switch e := ev.(type) {
	case SubscriptionCreated:
		return e.Subscription.ID, e.Subscription.UserID, e.Subscription.Tier
	case SubscriptionUpdated:
		return e.Subscription.ID, e.Subscription.UserID, e.Subscription.Tier
	case SubscriptionDeleted:
		return e.Subscription.ID, e.Subscription.UserID, e.Subscription.Tier
	case InvoicePaymentSucceeded:
		return e.Invoice.SubscriptionID, e.Invoice.UserID, e.Invoice.Tier
	case InvoicePaymentFailed:
		return e.Invoice.SubscriptionID, e.Invoice.UserID, e.Invoice.Tier
	}
	return "", "", ""
}
