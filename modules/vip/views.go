package vip

import (
	"time"

	vipsvc "github.com/bezhas/vip/svc/vip"
)

// Prices are rendered in major units (14.99), as the web client expects.

type tierView struct {
	ID       vipsvc.TierID `json:"id"`
	Name     string        `json:"name"`
	Price    float64       `json:"price"`
	Currency string        `json:"currency"`
	BezPrice int64         `json:"bezPrice"`
	Features []string      `json:"features"`
	Color    string        `json:"color"`
}

func newTierView(t vipsvc.Tier) tierView {
	return tierView{
		ID:       t.ID,
		Name:     t.Name,
		Price:    t.Price.Major(),
		Currency: t.Price.Currency,
		BezPrice: t.BezPrice,
		Features: t.Features,
		Color:    t.Color,
	}
}

type benefitsView struct {
	MonthlyPrice float64      `json:"monthlyPrice"`
	BezPrice     int64        `json:"bezPrice"`
	Features     []string     `json:"features"`
	Flags        vipsvc.Flags `json:"flags"`
}

func newBenefitsView(t vipsvc.Tier) benefitsView {
	return benefitsView{
		MonthlyPrice: t.Price.Major(),
		BezPrice:     t.BezPrice,
		Features:     t.Features,
		Flags:        t.Flags,
	}
}

type tiersResponse struct {
	Tiers map[vipsvc.TierID]tierView `json:"tiers"`
}

type benefitsResponse struct {
	Tier     vipsvc.TierID `json:"tier"`
	Benefits benefitsView  `json:"benefits"`
}

type checkoutResponse struct {
	SessionID string        `json:"sessionId"`
	URL       string        `json:"url"`
	Tier      vipsvc.TierID `json:"tier"`
	Price     float64       `json:"price"`
}

type subscriptionsResponse struct {
	Subscriptions []vipsvc.Subscription `json:"subscriptions"`
}

type statusResponse struct {
	*vipsvc.VipStatus
	Entitlement vipsvc.Entitlement `json:"entitlement"`
}

type verifySessionResponse struct {
	TierName       string                `json:"tierName"`
	Tier           vipsvc.TierID         `json:"tier"`
	Price          float64               `json:"price"`
	SubscriptionID string                `json:"subscriptionId"`
	Status         vipsvc.ProviderStatus `json:"status"`
	NextBilling    time.Time             `json:"nextBilling"`
}

type webhookAck struct {
	Received  bool           `json:"received"`
	Processed bool           `json:"processed"`
	Status    vipsvc.Outcome `json:"status"`
	EventID   string         `json:"eventId,omitempty"`
}
