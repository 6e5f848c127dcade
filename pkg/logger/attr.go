package logger

import (
	"log/slog"
	"time"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the local user identifier under "user_id".
func UserID(id string) slog.Attr {
	return slog.String("user_id", id)
}

// RequestID records the request correlation id under "request_id".
func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

// SubscriptionID records the billing provider subscription id under "subscription_id".
func SubscriptionID(id string) slog.Attr {
	return slog.String("subscription_id", id)
}

// CustomerID records the billing provider customer id under "customer_id".
func CustomerID(id string) slog.Attr {
	return slog.String("customer_id", id)
}

// EventID records the webhook event id under "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records the webhook event type under "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// Tier records a VIP tier id under "tier".
func Tier(id string) slog.Attr {
	return slog.String("tier", id)
}

// Component records the component name under "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Duration records an elapsed time under "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
