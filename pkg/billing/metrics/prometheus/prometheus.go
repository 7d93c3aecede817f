package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "billing"

// Delivery lag buckets run from seconds (live delivery) to Stripe's three-day
// redelivery window.
var lagBuckets = []float64{1, 5, 30, 60, 300, 900, 3600, 6 * 3600, 24 * 3600, 72 * 3600}

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookLag      *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	ledgerLookups   *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	resyncDuration  *prometheus.HistogramVec
	planChanges     *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	return &Metrics{
		webhookEvents: counter("webhook_events_total",
			"Verified webhook events by handling outcome.", "provider", "event_type", "status"),
		webhookDuration: histogram("webhook_processing_duration_seconds",
			"Time spent reconciling one webhook delivery.", prometheus.DefBuckets, "provider", "event_type"),
		webhookLag: histogram("webhook_delivery_lag_seconds",
			"Age of an event when it was handled.", lagBuckets, "provider", "event_type"),
		webhookErrors: counter("webhook_errors_total",
			"Webhook deliveries that failed verification, decoding or reconciliation.", "provider", "error_type"),
		ledgerLookups: counter("event_ledger_lookups_total",
			"Processed-event ledger checks; hits are redeliveries that were skipped.", "provider", "result"),
		resyncs: counter("subscription_sync_total",
			"Subscription resynchronizations from the provider API by outcome.", "provider", "outcome"),
		resyncDuration: histogram("subscription_sync_duration_seconds",
			"Duration of subscription resynchronizations.", prometheus.DefBuckets, "provider"),
		planChanges: counter("plan_changes_total",
			"User plan changes caused by billing events.", "provider", "from_plan", "to_plan"),
		apiCalls: counter("api_calls_total",
			"Calls to the billing provider API.", "provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Latency of calls to the billing provider API.", prometheus.DefBuckets, "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookDeliveryLag(provider, eventType string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.webhookLag.WithLabelValues(provider, eventType).Observe(lag.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordLedgerLookup(provider, result string) {
	m.ledgerLookups.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordSubscriptionSync(provider, outcome string) {
	m.resyncs.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordSubscriptionSyncDuration(provider string, duration time.Duration) {
	m.resyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordPlanChange(provider, fromPlan, toPlan string) {
	m.planChanges.WithLabelValues(provider, fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string, duration time.Duration) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
