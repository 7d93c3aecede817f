package stripe

import (
	"context"
	"fmt"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// handle maps a decoded event onto the reconciliation it triggers.
func (p *Provider) handle(ctx context.Context, event Event) (*account.Result, error) {
	switch e := event.(type) {
	case *CheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, e)
	case *SubscriptionCreated:
		return p.manager.RefreshSubscription(ctx, subscriptionState(e.Subscription, e.EventMeta))
	case *SubscriptionUpdated:
		return p.manager.SyncSubscription(ctx, subscriptionState(e.Subscription, e.EventMeta))
	case *SubscriptionDeleted:
		return p.manager.Cancel(ctx, e.Subscription.ID, e.ref())
	case *PaymentSucceeded:
		if e.Invoice.SubscriptionID == "" {
			return p.skipInvoice(e.EventMeta, e.Invoice), nil
		}
		return p.manager.Renew(ctx, e.Invoice.SubscriptionID, e.Invoice.Period, e.ref())
	case *PaymentFailed:
		if e.Invoice.SubscriptionID == "" {
			return p.skipInvoice(e.EventMeta, e.Invoice), nil
		}
		return p.manager.MarkPastDue(ctx, e.Invoice.SubscriptionID, e.ref())
	default:
		return nil, fmt.Errorf("stripe: no handler for %T", event)
	}
}

func (p *Provider) handleCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) (*account.Result, error) {
	p.logger.Info("processing checkout completion",
		account.F("session_id", e.SessionID),
		account.F("user_id", e.UserID),
		account.F("plan_id", e.PlanID),
	)
	return p.manager.Activate(ctx, account.Activation{
		UserID:         e.UserID,
		PlanID:         e.PlanID,
		SubscriptionID: e.SubscriptionID,
		CustomerID:     e.CustomerID,
		PriceID:        e.PriceID,
		Yearly:         e.Yearly,
	})
}

// skipInvoice acknowledges one-off invoices that belong to no subscription.
func (p *Provider) skipInvoice(meta EventMeta, invoice Invoice) *account.Result {
	p.logger.Info("invoice has no subscription",
		account.F("event_type", string(meta.Type)),
		account.F("invoice_id", invoice.ID),
	)
	return &account.Result{Outcome: account.OutcomeSkipped, Reason: account.ReasonNoSubscription}
}

func subscriptionState(sub Subscription, meta EventMeta) account.SubscriptionState {
	return account.SubscriptionState{
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		Period:            sub.Period,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Event:             meta.ref(),
	}
}
