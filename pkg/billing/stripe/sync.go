package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/pkg/billing"
)

const subscriptionEndpoint = "/v1/subscriptions/{id}"

// SyncSubscription re-reads a subscription from the Stripe API and applies it
// like customer.subscription.updated, bypassing the event ordering guard.
func (p *Provider) SyncSubscription(ctx context.Context, subscriptionID string) (*account.Result, error) {
	startTime := p.now()
	defer func() {
		p.metrics.RecordSubscriptionSyncDuration(providerName, p.now().Sub(startTime))
	}()

	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, fmt.Errorf("%w: empty subscription id", account.ErrInvalidSubscription)
	}
	if p.stripeClient == nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, billing.ErrAPIKeyNotConfigured
	}

	sub, err := p.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}

	res, err := p.manager.SyncSubscription(ctx, account.SubscriptionState{
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		Period:            sub.Period,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	})
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}

	if res.Applied() && res.PlanChanged() {
		p.metrics.RecordPlanChange(providerName, string(res.PreviousPlan), string(res.NewPlan))
	}
	p.metrics.RecordSubscriptionSync(providerName, string(res.Outcome))
	p.logger.Info("subscription resynchronized",
		account.F("subscription_id", sub.ID),
		account.F("status", string(sub.Status)),
		account.F("outcome", string(res.Outcome)),
	)
	return res, nil
}

// fetchSubscription retrieves the subscription and decodes it with the same
// rules as webhook payloads, so both API shapes are handled in one place.
func (p *Provider) fetchSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	callStart := p.now()
	apiSub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, subscriptionEndpoint, "error", p.now().Sub(callStart))
		return Subscription{}, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, subscriptionEndpoint, "success", p.now().Sub(callStart))

	var raw []byte
	if apiSub.LastResponse != nil && len(apiSub.LastResponse.RawJSON) > 0 {
		raw = apiSub.LastResponse.RawJSON
	} else if raw, err = json.Marshal(apiSub); err != nil {
		return Subscription{}, fmt.Errorf("stripe: encode subscription: %w", err)
	}

	sub, err := decodeSubscription(raw)
	if err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return sub, nil
}
