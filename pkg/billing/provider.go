package billing

import (
	"context"
	"net/http"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// Provider is the interface a billing backend implements to keep local
// account records in step with its subscription state.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, decoding, and Manager updates internally.
	WebhookHandler() http.Handler

	// SyncSubscription re-reads a subscription from the provider API and applies
	// it like a subscription update. It repairs records after acknowledged
	// reconciliation failures.
	SyncSubscription(ctx context.Context, subscriptionID string) (*account.Result, error)
}
