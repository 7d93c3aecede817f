package billing

import (
	"context"
	"net/http"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager applies reconciled billing state to user and subscription records
	Manager *account.Manager

	// HTTPClient is an optional HTTP client for outbound provider API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(registry, namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger (default: account.NoopLogger)
	Logger account.Logger

	// EventLedger records processed event ids so redeliveries skip dispatch.
	// Optional; ordering guards on the subscription record apply either way.
	EventLedger account.EventLedger

	// StrictAcknowledgement answers 500 when reconciliation fails on a store
	// error, asking the provider to redeliver. By default every verified
	// event is acknowledged with 200.
	StrictAcknowledgement bool

	// WebhookCallback is invoked after an event changed local records.
	// Callback errors are logged and never affect the acknowledgement.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error
}
