package account

import "time"

// Metrics defines the interface for tracking account operations.
type Metrics interface {
	// RecordReconciliation records the outcome of one reconciliation step.
	// operation: e.g. "activate", "sync", "cancel", "renew", "past_due"
	// outcome: "applied", "skipped" or "error"
	// reason: the SkipReason of a skipped step, empty otherwise
	RecordReconciliation(operation, outcome, reason string)

	// RecordUploadConsumption records an upload quota check.
	RecordUploadConsumption(plan string, allowed bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReconciliation(operation, outcome, reason string)                     {}
func (n *NoopMetrics) RecordUploadConsumption(plan string, allowed bool)                          {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
