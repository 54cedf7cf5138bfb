// Package metrics holds the Prometheus collectors for webhook ingestion,
// quota decisions and relay delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	webhookEvents  *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	quotaUnits     *prometheus.CounterVec
	relayPublished *prometheus.CounterVec
	relayDropped   *prometheus.CounterVec
}

// New registers the collectors on registerer. A nil registerer uses the
// Prometheus default.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierwise_webhook_events_total",
			Help: "Billing webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierwise_quota_decisions_total",
			Help: "Quota gate decisions by operation, outcome and reason.",
		}, []string{"operation", "outcome", "reason"}),
		quotaUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierwise_quota_units_total",
			Help: "Cost units reserved against monthly allowances by tier.",
		}, []string{"tier"}),
		relayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierwise_relay_published_total",
			Help: "Events published on the relay by namespace.",
		}, []string{"namespace"}),
		relayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierwise_relay_dropped_total",
			Help: "Events dropped because a subscriber queue was full.",
		}, []string{"namespace"}),
	}

	registerer.MustRegister(m.webhookEvents, m.quotaDecisions, m.quotaUnits, m.relayPublished, m.relayDropped)
	return m
}

// The observe methods are safe on a nil *Metrics so components can run without metrics.

func (m *Metrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveQuota(operation, outcome, reason string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(operation, outcome, reason).Inc()
}

func (m *Metrics) AddReservedUnits(tier string, units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.quotaUnits.WithLabelValues(tier).Add(float64(units))
}

func (m *Metrics) ObserveRelayPublish(namespace string) {
	if m == nil {
		return
	}
	m.relayPublished.WithLabelValues(namespace).Inc()
}

func (m *Metrics) ObserveRelayDrop(namespace string) {
	if m == nil {
		return
	}
	m.relayDropped.WithLabelValues(namespace).Inc()
}
