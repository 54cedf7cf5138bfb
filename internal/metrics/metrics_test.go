package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveWebhook("customer.subscription.updated", "accepted")
	m.ObserveWebhook("customer.subscription.updated", "accepted")
	m.ObserveQuota("reserve", "denied", "limit_exceeded")
	m.AddReservedUnits("lite", 250)
	m.AddReservedUnits("lite", 0)
	m.ObserveRelayPublish("billing")
	m.ObserveRelayDrop("usage")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("customer.subscription.updated", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("reserve", "denied", "limit_exceeded")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.quotaUnits.WithLabelValues("lite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayPublished.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayDropped.WithLabelValues("usage")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveWebhook("x", "y")
		m.ObserveQuota("reserve", "admitted", "")
		m.AddReservedUnits("free", 1)
		m.ObserveRelayPublish("billing")
		m.ObserveRelayDrop("billing")
	})
}
