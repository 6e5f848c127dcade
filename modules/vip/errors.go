package vip

import (
	"errors"

	"github.com/bezhas/vip/handler"
	"github.com/bezhas/vip/pkg/binder"
	vipsvc "github.com/bezhas/vip/svc/vip"
)

// classify maps domain and binding errors to HTTP errors. Provider messages
// are surfaced so the client sees why Stripe refused.
func classify(err error) (handler.HTTPError, bool) {
	switch {
	case errors.Is(err, binder.ErrBodyTooLarge):
		return handler.ErrRequestEntityTooLarge.WithMessage("Request body too large"), true
	case errors.Is(err, binder.ErrFailedToParseJSON),
		errors.Is(err, binder.ErrMissingContentType),
		errors.Is(err, binder.ErrUnsupportedMediaType),
		errors.Is(err, binder.ErrFailedToParsePath):
		return handler.ErrBadRequest.WithMessage("Invalid request body"), true

	case errors.Is(err, vipsvc.ErrInvalidTier):
		return handler.ErrBadRequest.WithMessage("Invalid VIP tier. Choose from: bronze, silver, gold, platinum"), true
	case errors.Is(err, vipsvc.ErrSignatureVerification):
		return handler.ErrBadRequest.WithMessage("Webhook signature verification failed"), true
	case errors.Is(err, vipsvc.ErrMalformedEvent):
		return handler.ErrBadRequest.WithMessage("Malformed webhook event"), true
	case errors.Is(err, vipsvc.ErrPaymentNotCompleted):
		return handler.ErrBadRequest.WithMessage("Payment not completed"), true
	case errors.Is(err, vipsvc.ErrSubscriptionNotOwned):
		return handler.ErrForbidden.WithMessage("Subscription does not belong to the current user"), true
	case errors.Is(err, vipsvc.ErrSubscriptionNotFound):
		return handler.ErrNotFound.WithMessage("Subscription not found"), true

	case errors.Is(err, vipsvc.ErrProviderTimeout):
		return handler.ErrGatewayTimeout.WithMessage("Billing provider did not respond in time"), true
	case errors.Is(err, vipsvc.ErrProvider):
		return handler.ErrInternalServerError.WithMessage(vipsvc.ProviderMessage(err)), true
	case errors.Is(err, vipsvc.ErrNoCheckoutURL), errors.Is(err, vipsvc.ErrNoSubscriptionItem):
		return handler.ErrBadGateway.WithMessage(err.Error()), true
	}
	return handler.HTTPError{}, false
}
