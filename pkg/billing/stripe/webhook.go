package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/pkg/billing"
	"github.com/cropdrive/opadvisor/pkg/billing/internal"
)

// Delivery statuses reported to metrics.
const (
	statusApplied   = "applied"
	statusSkipped   = "skipped"
	statusIgnored   = "ignored"
	statusDuplicate = "duplicate"
	statusError     = "error"
)

// handleWebhook verifies a Stripe delivery and reconciles it. Every verified
// event is acknowledged with 200 unless StrictAcknowledgement is set and the
// store failed.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := p.now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if len(p.webhookSecret) == 0 {
		p.logger.Error("stripe webhook secret is not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		internal.WriteError(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	event, err := p.verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			p.logger.Warn("stripe webhook signature verification failed", account.F("error", err))
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			internal.WriteError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
		p.logger.Error("stripe webhook verification failed", account.F("error", err))
		p.metrics.RecordWebhookError(providerName, "panic")
		internal.WriteError(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Reconciliation runs to completion even if Stripe drops the connection.
	ctx := context.WithoutCancel(r.Context())
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}

	status, err := p.dispatch(ctx, &event)
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, p.now().Sub(startTime))
	if event.Created > 0 {
		p.metrics.RecordWebhookDeliveryLag(providerName, eventType, startTime.Sub(time.Unix(event.Created, 0)))
	}

	if err != nil && p.config.StrictAcknowledgement {
		internal.WriteError(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	if err := internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); err != nil {
		p.logger.Debug("failed to write webhook acknowledgement", account.F("error", err))
	}
}

// verify checks the signature and parses the envelope. A panic inside the
// library is returned as a plain error.
func (p *Provider) verify(payload []byte, header string) (event stripe.Event, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stripe: signature verification panicked: %v", rec)
		}
	}()

	event, err = webhook.ConstructEventWithOptions(payload, header, string(p.webhookSecret),
		webhook.ConstructEventOptions{
			Tolerance:                p.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return event, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// dispatch decodes a verified event and runs its handler. Decode failures and
// handler panics are logged and acknowledged. The returned error is non-nil
// only when a store operation failed after retries.
func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) (status string, err error) {
	fields := []account.Field{
		account.F("event_id", event.ID),
		account.F("event_type", string(event.Type)),
	}

	if p.ledger != nil && event.ID != "" {
		seen, lerr := p.ledger.Seen(ctx, event.ID)
		switch {
		case lerr != nil:
			p.metrics.RecordLedgerLookup(providerName, "error")
			p.logger.Warn("event ledger lookup failed", append(fields, account.F("error", lerr))...)
		case seen:
			p.metrics.RecordLedgerLookup(providerName, "hit")
			p.logger.Info("stripe event already processed", fields...)
			return statusDuplicate, nil
		default:
			p.metrics.RecordLedgerLookup(providerName, "miss")
		}
	}

	decoded, err := DecodeEvent(event)
	if err != nil {
		if errors.Is(err, billing.ErrUnsupportedEvent) {
			p.logger.Info("unhandled stripe event type", fields...)
			return statusIgnored, nil
		}
		p.logger.Error("failed to decode stripe event", append(fields, account.F("error", err))...)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return statusError, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("stripe event handler panicked", append(fields, account.F("panic", fmt.Sprint(rec)))...)
			p.metrics.RecordWebhookError(providerName, "panic")
			status, err = statusError, nil
		}
	}()

	res, err := p.handle(ctx, decoded)
	if err != nil {
		p.logger.Error("stripe event reconciliation failed", append(fields, account.F("error", err))...)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return statusError, err
	}

	if res.Applied() {
		p.afterApplied(ctx, decoded.Meta(), res)
		status = statusApplied
	} else {
		status = statusSkipped
	}

	if p.ledger != nil && event.ID != "" {
		if lerr := p.ledger.Record(ctx, event.ID, p.ledgerTTL); lerr != nil {
			p.logger.Warn("failed to record stripe event", append(fields, account.F("error", lerr))...)
		}
	}
	return status, nil
}

func (p *Provider) afterApplied(ctx context.Context, meta EventMeta, res *account.Result) {
	if res.PlanChanged() {
		p.metrics.RecordPlanChange(providerName, string(res.PreviousPlan), string(res.NewPlan))
	}

	if p.config.WebhookCallback == nil {
		return
	}
	cbErr := p.config.WebhookCallback(ctx, billing.WebhookEvent{
		Provider:       providerName,
		EventID:        meta.ID,
		EventType:      string(meta.Type),
		EventTimestamp: meta.Created,
		UserID:         res.UserID,
		SubscriptionID: res.SubscriptionID,
		PreviousPlan:   res.PreviousPlan,
		NewPlan:        res.NewPlan,
	})
	if cbErr != nil {
		p.logger.Warn("webhook callback failed",
			account.F("event_id", meta.ID),
			account.F("error", cbErr))
	}
}
