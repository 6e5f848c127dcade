package vip

import "slices"

// TierID identifies one of the four VIP levels.
type TierID string

const (
	TierBronze   TierID = "bronze"
	TierSilver   TierID = "silver"
	TierGold     TierID = "gold"
	TierPlatinum TierID = "platinum"
)

// tierOrder ranks tiers for the multiple-subscription tie-break.
var tierOrder = []TierID{TierBronze, TierSilver, TierGold, TierPlatinum}

// Rank returns the position of id in bronze < silver < gold < platinum,
// or -1 for unknown ids.
func (id TierID) Rank() int {
	return slices.Index(tierOrder, id)
}

// Valid reports whether id is one of the recognized tiers.
func (id TierID) Valid() bool {
	return id.Rank() >= 0
}

func (id TierID) String() string { return string(id) }

// Flags is the feature-flag snapshot copied into an Entitlement on activation.
type Flags struct {
	AdFree          bool `json:"adFree" bson:"adFree"`
	PrioritySupport bool `json:"prioritySupport" bson:"prioritySupport"`
	CustomBadge     bool `json:"customBadge" bson:"customBadge"`
	AnalyticsAccess bool `json:"analyticsAccess" bson:"analyticsAccess"`
	APIAccess       bool `json:"apiAccess" bson:"apiAccess"`
	UnlimitedPosts  bool `json:"unlimitedPosts" bson:"unlimitedPosts"`
}

// Any reports whether at least one flag is enabled.
func (f Flags) Any() bool {
	return f != Flags{}
}

// Money is an amount in the currency's minor unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Major returns the amount in major units, e.g. 14.99 for 1499 cents.
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}

// Tier is a static catalog entry.
type Tier struct {
	ID       TierID
	Name     string
	Price    Money
	BezPrice int64 // monthly price in BEZ tokens
	Color    string
	Features []string
	Flags    Flags
}

// HigherTier returns whichever of a and b ranks higher. Unknown ids rank lowest.
func HigherTier(a, b TierID) TierID {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func defaultTiers() []Tier {
	return []Tier{
		{
			ID:       TierBronze,
			Name:     "Bronze VIP",
			Price:    Money{Amount: 1499, Currency: "usd"},
			BezPrice: 300,
			Color:    "orange",
			Features: []string{
				"5% descuento en compras",
				"10% descuento en envíos",
				"Badge NFT Bronze",
				"Soporte prioritario",
				"Acceso a eventos Bronze",
			},
			Flags: Flags{AdFree: true, PrioritySupport: true, CustomBadge: true},
		},
		{
			ID:       TierSilver,
			Name:     "Silver VIP",
			Price:    Money{Amount: 2999, Currency: "usd"},
			BezPrice: 600,
			Color:    "gray",
			Features: []string{
				"10% descuento en compras",
				"20% descuento en envíos",
				"Badge NFT Silver",
				"Soporte 24/7",
				"10% bonus en BEZ-Coin",
				"Acceso eventos Silver",
			},
			Flags: Flags{AdFree: true, PrioritySupport: true, CustomBadge: true, AnalyticsAccess: true},
		},
		{
			ID:       TierGold,
			Name:     "Gold VIP",
			Price:    Money{Amount: 6999, Currency: "usd"},
			BezPrice: 1400,
			Color:    "yellow",
			Features: []string{
				"15% descuento en compras",
				"Envío gratis",
				"Badge NFT Gold animado",
				"Gestor de cuenta dedicado",
				"25% bonus en BEZ-Coin",
				"Acceso eventos Gold",
				"1 NFT exclusivo mensual",
			},
			Flags: Flags{AdFree: true, PrioritySupport: true, CustomBadge: true, AnalyticsAccess: true, APIAccess: true, UnlimitedPosts: true},
		},
		{
			ID:       TierPlatinum,
			Name:     "Platinum VIP",
			Price:    Money{Amount: 14999, Currency: "usd"},
			BezPrice: 3000,
			Color:    "purple",
			Features: []string{
				"20% descuento en compras",
				"Envío express gratis",
				"Badge NFT Platinum exclusivo",
				"Concierge Web3 24/7",
				"50% bonus en BEZ-Coin",
				"Acceso a todos los eventos",
				"3 NFTs exclusivos mensuales",
				"Votación doble en DAO",
			},
			Flags: Flags{AdFree: true, PrioritySupport: true, CustomBadge: true, AnalyticsAccess: true, APIAccess: true, UnlimitedPosts: true},
		},
	}
}
