package vip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bezhas/vip/pkg/logger"
)

// Catalog is the static tier table plus a memo of the provider price backing
// each tier. Construct one per process and share it.
type Catalog struct {
	products ProductCatalog
	tiers    []Tier
	byID     map[TierID]Tier

	mu     sync.RWMutex
	prices map[TierID]string
	group  singleflight.Group

	timeout time.Duration
	log     *slog.Logger
	metrics *Metrics
}

// NewCatalog builds the catalog. Panics if products is nil.
func NewCatalog(products ProductCatalog, opts ...Option) *Catalog {
	if products == nil {
		panic("vip: product catalog provider is required")
	}

	o := newOptions(opts)
	tiers := defaultTiers()
	c := &Catalog{
		products: products,
		tiers:    tiers,
		byID:     make(map[TierID]Tier, len(tiers)),
		prices:   o.prices,
		timeout:  o.timeout,
		log:      o.log.With(logger.Component("catalog")),
		metrics:  o.metrics,
	}
	for _, t := range tiers {
		c.byID[t.ID] = t
	}
	return c
}

// Tier returns the tier for id or ErrInvalidTier.
func (c *Catalog) Tier(id TierID) (Tier, error) {
	t, ok := c.byID[id]
	if !ok {
		return Tier{}, invalidTier(id)
	}
	return t, nil
}

// Tiers returns all tiers ordered bronze to platinum.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// EnsureExternalPrice returns the provider price id for the tier, looking it
// up or creating product and price on first use. Successful results are
// memoized for the life of the Catalog; failures are not.
func (c *Catalog) EnsureExternalPrice(ctx context.Context, id TierID) (string, error) {
	tier, err := c.Tier(id)
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	priceID, ok := c.prices[id]
	c.mu.RUnlock()
	if ok {
		return priceID, nil
	}

	v, err, _ := c.group.Do(string(id), func() (any, error) {
		c.mu.RLock()
		priceID, ok := c.prices[id]
		c.mu.RUnlock()
		if ok {
			return priceID, nil
		}

		priceID, err := c.provision(context.WithoutCancel(ctx), tier)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.prices[id] = priceID
		c.mu.Unlock()
		return priceID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Catalog) provision(ctx context.Context, tier Tier) (string, error) {
	log := c.log.With(logger.Tier(tier.ID.String()))

	productID, found, err := findProduct(ctx, c, tier.Name)
	if err != nil {
		return "", fmt.Errorf("search product for tier %s: %w", tier.ID, err)
	}
	if !found {
		productID, err = callProvider(ctx, c.timeout, c.metrics, "product.create", func(ctx context.Context) (string, error) {
			return c.products.CreateProduct(ctx, ProductSpec{
				Name:        tier.Name,
				Description: fmt.Sprintf("BeZhas VIP %s - Monthly Subscription", tier.Name),
				Metadata:    map[string]string{MetaTier: tier.ID.String(), MetaType: MetaTypeVIP},
			})
		})
		if err != nil {
			return "", fmt.Errorf("create product for tier %s: %w", tier.ID, err)
		}
		log.Info("created billing product", slog.String("product_id", productID))
	}

	spec := PriceSpec{
		ProductID: productID,
		Amount:    tier.Price,
		Interval:  "month",
		Metadata:  map[string]string{MetaTier: tier.ID.String()},
	}

	priceID, found, err := findPrice(ctx, c, spec)
	if err != nil {
		return "", fmt.Errorf("list prices for tier %s: %w", tier.ID, err)
	}
	if !found {
		priceID, err = callProvider(ctx, c.timeout, c.metrics, "price.create", func(ctx context.Context) (string, error) {
			return c.products.CreatePrice(ctx, spec)
		})
		if err != nil {
			return "", fmt.Errorf("create price for tier %s: %w", tier.ID, err)
		}
		log.Info("created billing price", slog.String("price_id", priceID))
	}

	return priceID, nil
}

type lookup struct {
	id    string
	found bool
}

func findProduct(ctx context.Context, c *Catalog, name string) (string, bool, error) {
	res, err := callProvider(ctx, c.timeout, c.metrics, "product.search", func(ctx context.Context) (lookup, error) {
		id, found, err := c.products.FindProduct(ctx, name)
		return lookup{id, found}, err
	})
	return res.id, res.found, err
}

func findPrice(ctx context.Context, c *Catalog, spec PriceSpec) (string, bool, error) {
	res, err := callProvider(ctx, c.timeout, c.metrics, "price.list", func(ctx context.Context) (lookup, error) {
		id, found, err := c.products.FindPrice(ctx, spec)
		return lookup{id, found}, err
	})
	return res.id, res.found, err
}
