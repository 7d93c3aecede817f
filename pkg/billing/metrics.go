package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a verified webhook event by handling outcome.
	// status: "applied", "skipped", "ignored", "duplicate" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookDeliveryLag records the time between the provider creating an
	// event and this service handling it. Redeliveries after an outage show up here.
	RecordWebhookDeliveryLag(provider, eventType string, lag time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error", "panic"
	RecordWebhookError(provider, errorType string)

	// RecordLedgerLookup records a processed-event ledger check.
	// result: "hit", "miss" or "error"
	RecordLedgerLookup(provider, result string)

	// RecordSubscriptionSync records a subscription resynchronization.
	// outcome: "applied", "skipped" or "error"
	RecordSubscriptionSync(provider, outcome string)

	// RecordSubscriptionSyncDuration records how long a subscription resync took.
	RecordSubscriptionSyncDuration(provider string, duration time.Duration)

	// RecordPlanChange records when a user's plan changes.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordAPICall records a call to the provider API and its latency.
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookDeliveryLag(_, _ string, _ time.Duration)        {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordLedgerLookup(_, _ string)                               {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _ string)                           {}
func (n *NoopMetrics) RecordSubscriptionSyncDuration(_ string, _ time.Duration)     {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string, _ time.Duration)                {}
