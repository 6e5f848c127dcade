package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/bezhas/vip/svc/vip"
)

// Provider implements vip.BillingProvider on the Stripe API.
type Provider struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

var _ vip.BillingProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*providerOptions)

type providerOptions struct {
	apiURL     string
	httpClient *http.Client
}

// WithAPIURL points the client at another API host, e.g. stripe-mock.
func WithAPIURL(url string) Option {
	return func(o *providerOptions) { o.apiURL = url }
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *providerOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// New creates a Provider with its own client, leaving the SDK globals alone.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := providerOptions{httpClient: &http.Client{Timeout: cfg.CallTimeout}}
	for _, opt := range opts {
		opt(&o)
	}

	backendCfg := &stripelib.BackendConfig{
		HTTPClient:        o.httpClient,
		MaxNetworkRetries: stripelib.Int64(0),
	}
	if o.apiURL != "" {
		backendCfg.URL = stripelib.String(o.apiURL)
	}
	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, backendCfg)

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Provider{
		api: client.New(cfg.SecretKey, &stripelib.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
	}, nil
}

func (p *Provider) FindProduct(ctx context.Context, name string) (string, bool, error) {
	params := &stripelib.ProductSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("name:'%s' AND active:'true'", name)

	iter := p.api.Products.Search(params)
	for iter.Next() {
		if prod := iter.Product(); prod != nil {
			return prod.ID, true, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", false, providerError("product.search", err, nil)
	}
	return "", false, nil
}

func (p *Provider) CreateProduct(ctx context.Context, spec vip.ProductSpec) (string, error) {
	params := &stripelib.ProductParams{
		Name:        stripelib.String(spec.Name),
		Description: stripelib.String(spec.Description),
	}
	params.Context = ctx
	for k, v := range spec.Metadata {
		params.AddMetadata(k, v)
	}

	prod, err := p.api.Products.New(params)
	if err != nil {
		return "", providerError("product.create", err, nil)
	}
	return prod.ID, nil
}

func (p *Provider) FindPrice(ctx context.Context, spec vip.PriceSpec) (string, bool, error) {
	params := &stripelib.PriceListParams{
		Product: stripelib.String(spec.ProductID),
		Active:  stripelib.Bool(true),
		Type:    stripelib.String(string(stripelib.PriceTypeRecurring)),
	}
	params.Context = ctx

	iter := p.api.Prices.List(params)
	for iter.Next() {
		pr := iter.Price()
		if pr == nil || pr.Recurring == nil {
			continue
		}
		if pr.UnitAmount == spec.Amount.Amount &&
			string(pr.Currency) == spec.Amount.Currency &&
			string(pr.Recurring.Interval) == spec.Interval {
			return pr.ID, true, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", false, providerError("price.list", err, nil)
	}
	return "", false, nil
}

func (p *Provider) CreatePrice(ctx context.Context, spec vip.PriceSpec) (string, error) {
	params := &stripelib.PriceParams{
		Product:    stripelib.String(spec.ProductID),
		UnitAmount: stripelib.Int64(spec.Amount.Amount),
		Currency:   stripelib.String(spec.Amount.Currency),
		Recurring: &stripelib.PriceRecurringParams{
			Interval: stripelib.String(spec.Interval),
		},
	}
	params.Context = ctx
	for k, v := range spec.Metadata {
		params.AddMetadata(k, v)
	}

	pr, err := p.api.Prices.New(params)
	if err != nil {
		return "", providerError("price.create", err, nil)
	}
	return pr.ID, nil
}

func (p *Provider) CreateCheckoutSession(ctx context.Context, req vip.CheckoutRequest) (*vip.CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{
		Mode:               stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripelib.StringSlice([]string{"card"}),
		SuccessURL:         stripelib.String(req.SuccessURL),
		CancelURL:          stripelib.String(req.CancelURL),
		ClientReferenceID:  stripelib.String(req.ClientReferenceID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: req.SubscriptionMetadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripelib.String(req.CustomerEmail)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, providerError("checkout.session.create", err, nil)
	}
	return toCheckoutSession(sess), nil
}

func (p *Provider) GetCheckoutSession(ctx context.Context, id string) (*vip.CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, providerError("checkout.session.get", err, vip.ErrSubscriptionNotFound)
	}
	return toCheckoutSession(sess), nil
}

func (p *Provider) GetSubscription(ctx context.Context, id string) (*vip.Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, providerError("subscription.get", err, vip.ErrSubscriptionNotFound)
	}
	return toSubscription(sub), nil
}

func (p *Provider) CancelSubscription(ctx context.Context, id string) (*vip.Subscription, error) {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Cancel(id, params)
	if err != nil {
		return nil, providerError("subscription.cancel", err, vip.ErrSubscriptionNotFound)
	}
	return toSubscription(sub), nil
}

func (p *Provider) CancelAtPeriodEnd(ctx context.Context, id string) (*vip.Subscription, error) {
	params := &stripelib.SubscriptionParams{
		CancelAtPeriodEnd: stripelib.Bool(true),
	}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Update(id, params)
	if err != nil {
		return nil, providerError("subscription.cancel_at_period_end", err, vip.ErrSubscriptionNotFound)
	}
	return toSubscription(sub), nil
}

func (p *Provider) ChangePrice(ctx context.Context, change vip.PriceChange) (*vip.Subscription, error) {
	params := &stripelib.SubscriptionParams{
		Items: []*stripelib.SubscriptionItemsParams{
			{
				ID:    stripelib.String(change.ItemID),
				Price: stripelib.String(change.PriceID),
			},
		},
		ProrationBehavior: stripelib.String("always_invoice"),
	}
	params.Context = ctx
	for k, v := range change.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := p.api.Subscriptions.Update(change.SubscriptionID, params)
	if err != nil {
		return nil, providerError("subscription.change_price", err, vip.ErrSubscriptionNotFound)
	}
	return toSubscription(sub), nil
}

func toCheckoutSession(s *stripelib.CheckoutSession) *vip.CheckoutSession {
	out := &vip.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

func toSubscription(s *stripelib.Subscription) *vip.Subscription {
	out := &vip.Subscription{
		ID:                s.ID,
		Status:            vip.ProviderStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
		UserID:            s.Metadata[vip.MetaUserID],
		WalletAddress:     s.Metadata[vip.MetaWalletAddress],
		Tier:              vip.TierID(s.Metadata[vip.MetaTier]),
	}
	if s.Created > 0 {
		out.Created = time.Unix(s.Created, 0).UTC()
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}

// providerError wraps a Stripe failure as a *vip.ProviderError. A missing
// resource additionally matches notFound when it is set.
func providerError(op string, err error, notFound error) error {
	pe := &vip.ProviderError{Op: op, Message: err.Error(), Err: err}

	var se *stripelib.Error
	if errors.As(err, &se) {
		pe.Code = string(se.Code)
		if se.Msg != "" {
			pe.Message = se.Msg
		}
		if notFound != nil && se.Code == stripelib.ErrorCodeResourceMissing {
			pe.Err = errors.Join(notFound, err)
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		pe.Err = errors.Join(vip.ErrProviderTimeout, pe.Err)
	}
	return pe
}
