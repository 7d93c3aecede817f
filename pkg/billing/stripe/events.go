package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/pkg/billing"
)

// Handled event types.
const (
	EventCheckoutCompleted   stripe.EventType = "checkout.session.completed"
	EventSubscriptionCreated stripe.EventType = "customer.subscription.created"
	EventSubscriptionUpdated stripe.EventType = "customer.subscription.updated"
	EventSubscriptionDeleted stripe.EventType = "customer.subscription.deleted"
	EventPaymentSucceeded    stripe.EventType = "invoice.payment_succeeded"
	EventPaymentFailed       stripe.EventType = "invoice.payment_failed"
)

// Event is a verified Stripe event decoded into the payload of one handled type.
// The concrete types are CheckoutCompleted, SubscriptionCreated,
// SubscriptionUpdated, SubscriptionDeleted, PaymentSucceeded and PaymentFailed.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is the envelope shared by all events.
type EventMeta struct {
	ID      string
	Type    stripe.EventType
	Created time.Time
}

// Meta returns the event envelope.
func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) isEvent() {}

func (m EventMeta) ref() account.EventRef {
	return account.EventRef{ID: m.ID, At: m.Created}
}

// CheckoutCompleted is checkout.session.completed.
type CheckoutCompleted struct {
	EventMeta
	SessionID      string
	UserID         string
	PlanID         string
	Yearly         bool
	SubscriptionID string
	CustomerID     string
	PriceID        string
}

// Subscription is the part of a Stripe subscription object the handlers use.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            account.SubscriptionStatus
	Period            account.Period
	CancelAtPeriodEnd bool
	PriceID           string
}

// SubscriptionCreated is customer.subscription.created.
type SubscriptionCreated struct {
	EventMeta
	Subscription Subscription
}

// SubscriptionUpdated is customer.subscription.updated.
type SubscriptionUpdated struct {
	EventMeta
	Subscription Subscription
}

// SubscriptionDeleted is customer.subscription.deleted.
type SubscriptionDeleted struct {
	EventMeta
	Subscription Subscription
}

// Invoice is the part of a Stripe invoice object the handlers use.
type Invoice struct {
	ID string
	// SubscriptionID is empty for invoices that do not belong to a subscription.
	SubscriptionID string
	CustomerID     string
	Period         account.Period
}

// PaymentSucceeded is invoice.payment_succeeded.
type PaymentSucceeded struct {
	EventMeta
	Invoice Invoice
}

// PaymentFailed is invoice.payment_failed.
type PaymentFailed struct {
	EventMeta
	Invoice Invoice
}

// DecodeEvent converts a verified event into its typed payload. Unhandled
// types return billing.ErrUnsupportedEvent; malformed objects return
// billing.ErrInvalidWebhookPayload.
func DecodeEvent(event *stripe.Event) (Event, error) {
	meta := EventMeta{ID: event.ID, Type: event.Type, Created: unixTime(event.Created)}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch event.Type {
	case EventCheckoutCompleted:
		session, err := decodeCheckoutSession(raw)
		if err != nil {
			return nil, err
		}
		session.EventMeta = meta
		return session, nil
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		sub, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		switch event.Type {
		case EventSubscriptionCreated:
			return &SubscriptionCreated{EventMeta: meta, Subscription: sub}, nil
		case EventSubscriptionUpdated:
			return &SubscriptionUpdated{EventMeta: meta, Subscription: sub}, nil
		default:
			return &SubscriptionDeleted{EventMeta: meta, Subscription: sub}, nil
		}
	case EventPaymentSucceeded, EventPaymentFailed:
		invoice, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		if event.Type == EventPaymentSucceeded {
			return &PaymentSucceeded{EventMeta: meta, Invoice: invoice}, nil
		}
		return &PaymentFailed{EventMeta: meta, Invoice: invoice}, nil
	default:
		return nil, fmt.Errorf("%w: %s", billing.ErrUnsupportedEvent, event.Type)
	}
}

// expandableID accepts an id string, null, or an expanded object carrying "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type priceRef struct {
	ID string `json:"id"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      expandableID      `json:"subscription"`
	Customer          expandableID      `json:"customer"`
	LineItems         *struct {
		Data []struct {
			Price *priceRef `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

// subscriptionObject covers both API shapes: period bounds on the subscription
// (before 2025-03-31) or on each subscription item (after).
type subscriptionObject struct {
	ID                 string       `json:"id"`
	Object             string       `json:"object"`
	Status             string       `json:"status"`
	Customer           expandableID `json:"customer"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64     `json:"current_period_start"`
			CurrentPeriodEnd   int64     `json:"current_period_end"`
			Price              *priceRef `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceObject covers both locations of the subscription reference.
type invoiceObject struct {
	ID           string       `json:"id"`
	Subscription expandableID `json:"subscription"`
	Customer     expandableID `json:"customer"`
	PeriodStart  int64        `json:"period_start"`
	PeriodEnd    int64        `json:"period_end"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func decodeCheckoutSession(raw []byte) (*CheckoutCompleted, error) {
	var obj checkoutSessionObject
	if err := unmarshalObject(raw, &obj); err != nil {
		return nil, err
	}

	session := &CheckoutCompleted{
		SessionID:      obj.ID,
		UserID:         firstNonEmpty(obj.Metadata["userId"], obj.Metadata["user_id"], obj.ClientReferenceID),
		PlanID:         firstNonEmpty(obj.Metadata["planId"], obj.Metadata["plan_id"]),
		Yearly:         firstNonEmpty(obj.Metadata["isYearly"], obj.Metadata["is_yearly"]) == "true",
		SubscriptionID: string(obj.Subscription),
		CustomerID:     string(obj.Customer),
	}
	if obj.LineItems != nil && len(obj.LineItems.Data) > 0 && obj.LineItems.Data[0].Price != nil {
		session.PriceID = obj.LineItems.Data[0].Price.ID
	}
	return session, nil
}

func decodeSubscription(raw []byte) (Subscription, error) {
	var obj subscriptionObject
	if err := unmarshalObject(raw, &obj); err != nil {
		return Subscription{}, err
	}
	if obj.ID == "" {
		return Subscription{}, fmt.Errorf("%w: subscription without id", billing.ErrInvalidWebhookPayload)
	}

	sub := Subscription{
		ID:                obj.ID,
		CustomerID:        string(obj.Customer),
		Status:            account.SubscriptionStatus(obj.Status),
		CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
		Period:            period(obj.CurrentPeriodStart, obj.CurrentPeriodEnd),
	}
	if len(obj.Items.Data) > 0 {
		item := obj.Items.Data[0]
		if sub.Period.IsZero() {
			sub.Period = period(item.CurrentPeriodStart, item.CurrentPeriodEnd)
		}
		if item.Price != nil {
			sub.PriceID = item.Price.ID
		}
	}
	return sub, nil
}

func decodeInvoice(raw []byte) (Invoice, error) {
	var obj invoiceObject
	if err := unmarshalObject(raw, &obj); err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		ID:             obj.ID,
		SubscriptionID: string(obj.Subscription),
		CustomerID:     string(obj.Customer),
		Period:         period(obj.PeriodStart, obj.PeriodEnd),
	}
	if invoice.SubscriptionID == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
		invoice.SubscriptionID = string(obj.Parent.SubscriptionDetails.Subscription)
	}
	if invoice.Period.IsZero() && len(obj.Lines.Data) > 0 {
		line := obj.Lines.Data[0].Period
		invoice.Period = period(line.Start, line.End)
	}
	return invoice, nil
}

func unmarshalObject(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data.object", billing.ErrInvalidWebhookPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

func period(start, end int64) account.Period {
	return account.Period{Start: unixTime(start), End: unixTime(end)}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
