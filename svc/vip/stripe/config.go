package stripe

import (
	"errors"
	"time"
)

var (
	ErrMissingSecretKey     = errors.New("stripe: secret key is required")
	ErrMissingWebhookSecret = errors.New("stripe: webhook signing secret is required")
)

// Config holds the Stripe credentials and client settings.
type Config struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	CallTimeout   time.Duration `env:"STRIPE_CALL_TIMEOUT" envDefault:"10s"`
	// PriceIDs pins existing prices per tier, e.g. "gold:price_123,silver:price_456".
	PriceIDs map[string]string `env:"STRIPE_PRICE_IDS"`
	// WebhookTolerance is how old a signed delivery may be.
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

func (c Config) validate() error {
	if c.SecretKey == "" {
		return ErrMissingSecretKey
	}
	if c.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}
	return nil
}
