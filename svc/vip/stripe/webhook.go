package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/bezhas/vip/svc/vip"
)

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
// Nothing is decoded before the signature checks out.
func (p *Provider) ParseWebhook(payload []byte, signature string) (vip.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, errors.Join(vip.ErrSignatureVerification, err)
		}
		return nil, errors.Join(vip.ErrMalformedEvent, err)
	}

	meta := vip.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", vip.ErrMalformedEvent, event.ID)
	}
	return decodeEvent(meta, event.Data.Raw)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func decodeEvent(meta vip.EventMeta, raw json.RawMessage) (vip.Event, error) {
	switch meta.Type {
	case vip.EventSubscriptionCreated, vip.EventSubscriptionUpdated, vip.EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", vip.ErrMalformedEvent, err)
		}
		sub := obj.toSubscription()
		switch meta.Type {
		case vip.EventSubscriptionCreated:
			return vip.SubscriptionCreated{EventMeta: meta, Subscription: sub}, nil
		case vip.EventSubscriptionUpdated:
			return vip.SubscriptionUpdated{EventMeta: meta, Subscription: sub}, nil
		default:
			return vip.SubscriptionDeleted{EventMeta: meta, Subscription: sub}, nil
		}

	case vip.EventInvoicePaymentSucceeded, vip.EventInvoicePaymentFailed:
		var obj invoiceObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", vip.ErrMalformedEvent, err)
		}
		inv := obj.toInvoice()
		if meta.Type == vip.EventInvoicePaymentSucceeded {
			return vip.InvoicePaymentSucceeded{EventMeta: meta, Invoice: inv}, nil
		}
		return vip.InvoicePaymentFailed{EventMeta: meta, Invoice: inv}, nil
	}

	return vip.UnknownEvent{EventMeta: meta}, nil
}

// ref is an id field Stripe sends either as a string or as an expanded object.
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = ref(obj.ID)
	return nil
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          ref               `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Created           int64             `json:"created"`
	CurrentPeriodEnd  int64             `json:"current_period_end"` // before the 2025-03 API
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (o subscriptionObject) toSubscription() vip.Subscription {
	sub := vip.Subscription{
		ID:                o.ID,
		CustomerID:        string(o.Customer),
		UserID:            o.Metadata[vip.MetaUserID],
		WalletAddress:     o.Metadata[vip.MetaWalletAddress],
		Tier:              vip.TierID(o.Metadata[vip.MetaTier]),
		Status:            vip.ProviderStatus(o.Status),
		CancelAtPeriodEnd: o.CancelAtPeriodEnd,
		Metadata:          o.Metadata,
	}
	if o.Created > 0 {
		sub.Created = time.Unix(o.Created, 0).UTC()
	}

	end := o.CurrentPeriodEnd
	if len(o.Items.Data) > 0 {
		item := o.Items.Data[0]
		sub.ItemID = item.ID
		sub.PriceID = item.Price.ID
		if item.CurrentPeriodEnd > 0 {
			end = item.CurrentPeriodEnd
		}
	}
	if end > 0 {
		sub.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	return sub
}

type subscriptionDetails struct {
	Subscription ref               `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID                  string               `json:"id"`
	Customer            ref                  `json:"customer"`
	BillingReason       string               `json:"billing_reason"`
	Subscription        ref                  `json:"subscription"`         // before the 2025-03 API
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"` // before the 2025-03 API
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (o invoiceObject) toInvoice() vip.Invoice {
	inv := vip.Invoice{
		ID:             o.ID,
		CustomerID:     string(o.Customer),
		SubscriptionID: string(o.Subscription),
		BillingReason:  o.BillingReason,
	}

	details := o.SubscriptionDetails
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		details = o.Parent.SubscriptionDetails
	}
	if details != nil {
		if details.Subscription != "" {
			inv.SubscriptionID = string(details.Subscription)
		}
		inv.UserID = details.Metadata[vip.MetaUserID]
		inv.Tier = vip.TierID(details.Metadata[vip.MetaTier])
	}

	var end int64
	for _, line := range o.Lines.Data {
		end = max(end, line.Period.End)
	}
	if end > 0 {
		inv.PeriodEnd = time.Unix(end, 0).UTC()
	}
	return inv
}
