package vip

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	providerCalls    *prometheus.HistogramVec
	providerFailures *prometheus.CounterVec
	expirations      prometheus.Counter
	notifyFailures   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vip",
			Name:      "webhook_events_total",
			Help:      "Webhook events by event type and reconciliation outcome.",
		}, []string{"event_type", "outcome"}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vip",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of billing provider calls by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vip",
			Name:      "provider_call_failures_total",
			Help:      "Failed billing provider calls by operation.",
		}, []string{"operation"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vip",
			Name:      "entitlements_expired_total",
			Help:      "Active entitlements downgraded to expired.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vip",
			Name:      "notification_failures_total",
			Help:      "Entitlement notifications that could not be delivered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.webhookEvents, m.providerCalls, m.providerFailures, m.expirations, m.notifyFailures)
	}
	return m
}

func (m *Metrics) webhookEvent(eventType string, outcome Outcome) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, string(outcome)).Inc()
}

func (m *Metrics) providerCall(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(op).Observe(took.Seconds())
	if err != nil {
		m.providerFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expirations.Add(float64(n))
}

func (m *Metrics) notifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
