package billing

import (
	"time"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// WebhookEvent describes a provider event that changed local records.
// It is passed to the WebhookCallback after both record writes succeeded.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider's event identifier
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "checkout.session.completed", "invoice.payment_succeeded", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	UserID         string
	SubscriptionID string

	// PreviousPlan and NewPlan are set when the event changed the user's plan
	PreviousPlan account.PlanID
	NewPlan      account.PlanID
}
