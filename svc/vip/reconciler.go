package vip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

// Outcome is what the reconciler did with one webhook event.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeStale      Outcome = "stale"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeFailed is only recorded in metrics; Apply returns an error instead.
	OutcomeFailed Outcome = "failed"
)

// Applied reports whether the event changed local state.
func (o Outcome) Applied() bool { return o == OutcomeProcessed }

// Reconciler turns verified billing events into entitlement changes.
// It is the only writer that may set an entitlement active.
type Reconciler struct {
	store    Store
	events   EventSet
	catalog  *Catalog
	notifier Notifier
	locks    *keyedMutex
	now      func() time.Time
	log      *slog.Logger
	metrics  *Metrics
}

// NewReconciler creates a Reconciler. Panics if store, events or catalog is nil.
func NewReconciler(store Store, events EventSet, catalog *Catalog, opts ...Option) *Reconciler {
	if store == nil {
		panic("vip: store is required")
	}
	if events == nil {
		panic("vip: event set is required")
	}
	if catalog == nil {
		panic("vip: catalog is required")
	}

	o := newOptions(opts)
	return &Reconciler{
		store:    store,
		events:   events,
		catalog:  catalog,
		notifier: o.notifier,
		locks:    newKeyedMutex(),
		now:      o.now,
		log:      o.log.With(logger.Component("reconciler")),
		metrics:  o.metrics,
	}
}

// Apply reconciles one event. A nil error means the event may be
// acknowledged; a non-nil error means nothing was committed for it and the
// provider should redeliver.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Meta()
	log := r.log.With(logger.EventID(meta.ID), logger.EventType(meta.Type))

	outcome, err := r.apply(ctx, ev, log)
	if err != nil {
		r.metrics.webhookEvent(meta.Type, OutcomeFailed)
		log.ErrorContext(ctx, "failed to reconcile webhook event", logger.Error(err))
		return OutcomeFailed, err
	}

	r.metrics.webhookEvent(meta.Type, outcome)
	log.InfoContext(ctx, "webhook event reconciled", slog.String("outcome", string(outcome)))
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event, log *slog.Logger) (Outcome, error) {
	if _, ok := ev.(UnknownEvent); ok {
		return OutcomeIgnored, nil
	}

	meta := ev.Meta()
	subID, userID, _ := subject(ev)
	if subID == "" {
		// Invoices for one-off charges carry no subscription.
		return OutcomeIgnored, nil
	}
	log = log.With(logger.SubscriptionID(subID))

	// Lock order is subscription then user, everywhere.
	unlockSub := r.locks.Lock("sub:" + subID)
	defer unlockSub()

	rec, err := r.store.GetSubscriptionRecord(ctx, subID)
	known := err == nil
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		rec = SubscriptionRecord{SubscriptionID: subID}
	case err != nil:
		return "", fmt.Errorf("load subscription record: %w", err)
	}

	if userID == "" {
		userID = rec.UserID
	}
	if userID == "" {
		log.WarnContext(ctx, "webhook event has no user id and subscription is not indexed")
		return OutcomeUnresolved, nil
	}
	log = log.With(logger.UserID(userID))

	unlockUser := r.locks.Lock("user:" + userID)
	defer unlockUser()

	seen, err := r.events.Seen(ctx, meta.ID)
	if err != nil {
		return "", fmt.Errorf("check processed events: %w", err)
	}
	if seen || (known && rec.LastEventID == meta.ID) {
		return OutcomeDuplicate, nil
	}

	cur, err := r.store.GetEntitlement(ctx, userID)
	switch {
	case errors.Is(err, ErrEntitlementNotFound):
		cur = DefaultEntitlement(userID)
	case err != nil:
		return "", fmt.Errorf("load entitlement: %w", err)
	}
	if cur.LastEventID == meta.ID {
		// Saved earlier but the index write or mark did not happen.
		if err := r.index(ctx, rec, cur, ev); err != nil {
			return "", err
		}
		r.mark(ctx, meta.ID, log)
		return OutcomeDuplicate, nil
	}

	if known && isStale(rec, ev) {
		log.InfoContext(ctx, "discarding out-of-order webhook event",
			slog.Time("event_created", meta.Created),
			slog.Time("last_applied", rec.LastEventAt),
		)
		r.mark(ctx, meta.ID, log)
		return OutcomeStale, nil
	}

	next, kind, ok := r.transition(cur, rec, ev)
	if !ok {
		log.WarnContext(ctx, "webhook event carries no usable tier")
		return OutcomeUnresolved, nil
	}

	now := r.now()
	next.UserID = userID
	next.LastEventID = meta.ID
	next.UpdatedAt = now
	if err := r.store.SaveEntitlement(ctx, next); err != nil {
		return "", fmt.Errorf("save entitlement: %w", err)
	}

	// On failure the entitlement already carries the event id, so the
	// redelivery repairs the index instead of applying twice.
	if err := r.index(ctx, rec, next, ev); err != nil {
		return "", err
	}

	r.mark(ctx, meta.ID, log)
	if kind != "" {
		r.notify(ctx, next, kind, log)
	}
	return OutcomeProcessed, nil
}

// index advances the subscription's watermark to ev.
func (r *Reconciler) index(ctx context.Context, rec SubscriptionRecord, e Entitlement, ev Event) error {
	meta := ev.Meta()
	rec.UserID = e.UserID
	rec.LastEventID = meta.ID
	rec.LastEventAt = meta.Created
	rec.UpdatedAt = r.now()
	if e.Tier != "" {
		rec.Tier = e.Tier
	}
	if cid := customerOf(ev); cid != "" {
		rec.CustomerID = cid
	}
	if _, ok := ev.(SubscriptionDeleted); ok {
		rec.Deleted = true
	}
	if err := r.store.PutSubscriptionRecord(ctx, rec); err != nil {
		return fmt.Errorf("update subscription index: %w", err)
	}
	return nil
}

// isStale reports whether ev is older than what was already applied for its
// subscription. A deletion also wins ties against every other event kind.
func isStale(rec SubscriptionRecord, ev Event) bool {
	created := ev.Meta().Created
	if created.Before(rec.LastEventAt) {
		return true
	}
	if _, deleted := ev.(SubscriptionDeleted); rec.Deleted && !deleted {
		return !created.After(rec.LastEventAt)
	}
	return false
}

// transition computes the next entitlement. ok is false when the event does
// not identify a recognizable tier.
func (r *Reconciler) transition(cur Entitlement, rec SubscriptionRecord, ev Event) (Entitlement, NotificationKind, bool) {
	next := cur
	at := ev.Meta().Created

	switch e := ev.(type) {
	case SubscriptionCreated:
		tier, err := r.catalog.Tier(e.Subscription.Tier)
		if err != nil {
			return cur, "", false
		}
		next.Tier = tier.ID
		next.Status = StatusActive
		next.Flags = tier.Flags
		if next.StartDate.IsZero() {
			next.StartDate = at
		}
		next.EndDate = e.Subscription.CurrentPeriodEnd
		if next.EndDate.IsZero() {
			next.EndDate = at.AddDate(0, 1, 0)
		}
		next.CustomerID = e.Subscription.CustomerID
		next.SubscriptionID = e.Subscription.ID
		return next, NotifyActivated, true

	case SubscriptionUpdated:
		id := firstValid(e.Subscription.Tier, cur.Tier, rec.Tier)
		tier, err := r.catalog.Tier(id)
		if err != nil {
			return cur, "", false
		}
		next.Tier = tier.ID
		next.Status = localStatus(e.Subscription.Status)
		if terminal(e.Subscription.Status) {
			next.Flags = Flags{}
		} else {
			// Past-due and similar states keep the tier's features so the
			// provider's retry window stays a grace period.
			next.Flags = tier.Flags
		}
		// The paid-through date moves only with invoices. A subscription
		// first seen here takes the provider's period end.
		if next.EndDate.IsZero() {
			next.EndDate = e.Subscription.CurrentPeriodEnd
		}
		if next.Status == StatusActive {
			if next.StartDate.IsZero() {
				next.StartDate = at
			}
			if next.EndDate.IsZero() {
				next.EndDate = at.AddDate(0, 1, 0)
			}
		}
		if e.Subscription.CustomerID != "" {
			next.CustomerID = e.Subscription.CustomerID
		}
		next.SubscriptionID = e.Subscription.ID
		return next, NotifyUpdated, true

	case SubscriptionDeleted:
		if cur.SubscriptionID != "" && cur.SubscriptionID != e.Subscription.ID {
			// A replaced subscription ended; the user's current one stands.
			return next, "", true
		}
		next.Status = StatusCancelled
		next.Flags = Flags{}
		return next, NotifyCancelled, true

	case InvoicePaymentSucceeded:
		id := firstValid(cur.Tier, e.Invoice.Tier, rec.Tier)
		tier, err := r.catalog.Tier(id)
		if err != nil {
			return cur, "", false
		}
		next.Tier = tier.ID
		next.Status = StatusActive
		next.Flags = tier.Flags
		next.EndDate = renewedEnd(cur.EndDate, e.Invoice, at)
		if next.StartDate.IsZero() {
			next.StartDate = at
		}
		if e.Invoice.CustomerID != "" {
			next.CustomerID = e.Invoice.CustomerID
		}
		next.SubscriptionID = e.Invoice.SubscriptionID
		return next, NotifyRenewed, true

	case InvoicePaymentFailed:
		next.Status = StatusPaymentFailed
		return next, NotifyPaymentFailed, true
	}

	return cur, "", false
}

// renewedEnd returns the paid-through date after inv. An invoice that names
// its period never moves the end past that period, so a subscription update
// that already advanced the end does not stack with it. Without a period the
// end chains by one month, except for the first invoice which pays for what
// the created event already granted.
func renewedEnd(end time.Time, inv Invoice, at time.Time) time.Time {
	switch {
	case !inv.PeriodEnd.IsZero():
		if inv.PeriodEnd.After(end) {
			return inv.PeriodEnd
		}
		return end
	case end.IsZero():
		return at.AddDate(0, 1, 0)
	case inv.BillingReason == BillingReasonSubscriptionCreate:
		return end
	default:
		return end.AddDate(0, 1, 0)
	}
}

func localStatus(s ProviderStatus) Status {
	switch s {
	case ProviderStatusActive:
		return StatusActive
	case ProviderStatusCanceled:
		return StatusCancelled
	default:
		return StatusInactive
	}
}

// terminal reports whether the provider will never bill s again.
func terminal(s ProviderStatus) bool {
	return s == ProviderStatusCanceled || s == ProviderStatusIncompleteExpired
}

func firstValid(ids ...TierID) TierID {
	for _, id := range ids {
		if id.Valid() {
			return id
		}
	}
	return ""
}

func customerOf(ev Event) string {
	switch e := ev.(type) {
	case SubscriptionCreated:
		return e.Subscription.CustomerID
	case SubscriptionUpdated:
		return e.Subscription.CustomerID
	case SubscriptionDeleted:
		return e.Subscription.CustomerID
	case InvoicePaymentSucceeded:
		return e.Invoice.CustomerID
	case InvoicePaymentFailed:
		return e.Invoice.CustomerID
	}
	return ""
}

func (r *Reconciler) mark(ctx context.Context, eventID string, log *slog.Logger) {
	if err := r.events.Mark(ctx, eventID); err != nil {
		log.WarnContext(ctx, "failed to record processed webhook event", logger.Error(err))
	}
}

// notify runs after the state is committed and never fails the event.
func (r *Reconciler) notify(ctx context.Context, e Entitlement, kind NotificationKind, log *slog.Logger) {
	payload := Notification{
		Tier:           e.Tier,
		Status:         e.Status,
		SubscriptionID: e.SubscriptionID,
		Message:        notificationMessage(kind, e.Tier),
	}
	if !e.EndDate.IsZero() {
		payload.EndDate = e.EndDate.UnixMilli()
	}

	if err := r.notifier.Notify(context.WithoutCancel(ctx), e.UserID, kind, payload); err != nil {
		r.metrics.notifyFailed()
		log.WarnContext(ctx, "failed to deliver VIP notification",
			slog.String("kind", string(kind)),
			logger.Error(err),
		)
	}
}

func notificationMessage(kind NotificationKind, tier TierID) string {
	switch kind {
	case NotifyActivated:
		return fmt.Sprintf("Your VIP %s subscription is now active", tier)
	case NotifyUpdated:
		return "Your VIP subscription was updated"
	case NotifyCancelled:
		return "Your VIP subscription was cancelled"
	case NotifyRenewed:
		return "Your VIP subscription was renewed"
	case NotifyPaymentFailed:
		return "We could not process your VIP payment. Please update your payment method"
	}
	return ""
}
