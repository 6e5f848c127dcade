package vip

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTier           = errors.New("invalid VIP tier")
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrProvider              = errors.New("billing provider error")
	ErrProviderTimeout       = errors.New("billing provider call timed out")
	ErrEntitlementNotFound   = errors.New("entitlement not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrSubscriptionNotOwned  = errors.New("subscription does not belong to user")
	ErrPaymentNotCompleted   = errors.New("payment not completed")
	ErrMalformedEvent        = errors.New("malformed webhook event")
	ErrNoCheckoutURL         = errors.New("no checkout URL returned from provider")
	ErrNoSubscriptionItem    = errors.New("subscription has no price item")
)

// ProviderError carries the billing provider's own failure details.
// It matches ErrProvider with errors.Is.
type ProviderError struct {
	Op      string // provider operation, e.g. "checkout.session.create"
	Code    string // provider error code when available
	Message string // provider message, safe to surface to the caller
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// ProviderMessage extracts the provider's message from err, falling back to err.Error().
func ProviderMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

func invalidTier(id TierID) error {
	return fmt.Errorf("%w: %q", ErrInvalidTier, id)
}
