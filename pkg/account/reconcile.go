package account

import (
	"context"
	"errors"
	"time"
)

// Outcome reports whether a reconciliation step changed any record.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
)

// SkipReason explains a skipped reconciliation.
type SkipReason string

const (
	ReasonMissingMetadata      SkipReason = "missing_metadata"
	ReasonUnknownPlan          SkipReason = "unknown_plan"
	ReasonNoSubscription       SkipReason = "no_subscription"
	ReasonUserNotFound         SkipReason = "user_not_found"
	ReasonSubscriptionNotFound SkipReason = "subscription_not_found"
	ReasonAlreadyActivated     SkipReason = "already_activated"
	ReasonAlreadyCanceled      SkipReason = "already_canceled"
	ReasonDuplicateEvent       SkipReason = "duplicate_event"
	ReasonStaleEvent           SkipReason = "stale_event"
)

// Result describes the effect of one reconciliation step.
type Result struct {
	Outcome        Outcome
	Reason         SkipReason
	UserID         string
	SubscriptionID string

	// PreviousPlan and NewPlan are set when the step changed the user's plan.
	PreviousPlan PlanID
	NewPlan      PlanID
}

// PlanChanged reports whether the step moved the user to another plan.
func (r *Result) PlanChanged() bool {
	return r.NewPlan != "" && r.NewPlan != r.PreviousPlan
}

// Applied reports whether records were written.
func (r *Result) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Checkout provisional period lengths.
const (
	monthlyPeriod = 30 * 24 * time.Hour
	yearlyPeriod  = 365 * 24 * time.Hour
)

// Activation is a completed checkout for a paid plan.
type Activation struct {
	UserID         string
	PlanID         string
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Yearly         bool
}

// SubscriptionState is the provider's authoritative view of a subscription.
type SubscriptionState struct {
	SubscriptionID    string
	Status            SubscriptionStatus
	Period            Period // zero leaves the stored period untouched
	CancelAtPeriodEnd bool
	Event             EventRef
}

// Activate records a first successful checkout. The user record is written
// first and the subscription record last; an existing subscription record
// means the checkout was already reconciled.
func (m *Manager) Activate(ctx context.Context, a Activation) (*Result, error) {
	const op = "activate"

	if a.UserID == "" || a.PlanID == "" {
		return m.skip(op, ReasonMissingMetadata, a.UserID, a.SubscriptionID), nil
	}
	plan, err := LookupPlan(a.PlanID)
	if err != nil {
		return m.skip(op, ReasonUnknownPlan, a.UserID, a.SubscriptionID, F("plan_id", a.PlanID)), nil
	}
	if a.SubscriptionID == "" {
		return m.skip(op, ReasonNoSubscription, a.UserID, ""), nil
	}

	user, err := m.GetUser(ctx, a.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return m.skip(op, ReasonUserNotFound, a.UserID, a.SubscriptionID), nil
		}
		return m.fail(op, a.UserID, a.SubscriptionID, err)
	}

	_, err = m.GetSubscription(ctx, a.SubscriptionID)
	switch {
	case err == nil:
		return m.skip(op, ReasonAlreadyActivated, a.UserID, a.SubscriptionID), nil
	case !errors.Is(err, ErrSubscriptionNotFound):
		return m.fail(op, a.UserID, a.SubscriptionID, err)
	}

	err = m.updateUser(ctx, a.UserID, UserUpdate{
		Plan:                 &plan,
		ResetUploads:         true,
		StripeCustomerID:     a.CustomerID,
		StripeSubscriptionID: a.SubscriptionID,
		Status:               UserStatusActive,
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return m.skip(op, ReasonUserNotFound, a.UserID, a.SubscriptionID), nil
		}
		return m.fail(op, a.UserID, a.SubscriptionID, err)
	}

	now := m.now()
	length := monthlyPeriod
	if a.Yearly {
		length = yearlyPeriod
	}
	sub := &Subscription{
		ID:                 a.SubscriptionID,
		UserID:             a.UserID,
		PlanID:             plan.ID,
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(length),
		PeriodProvisional:  true,
		StripeCustomerID:   a.CustomerID,
		StripePriceID:      a.PriceID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = m.withRetry(ctx, "put_subscription", func() error {
		return m.store.PutSubscription(ctx, sub)
	})
	if err != nil {
		return m.fail(op, a.UserID, a.SubscriptionID, err)
	}

	m.logger.Info("subscription activated",
		F("user_id", a.UserID),
		F("subscription_id", a.SubscriptionID),
		F("plan", string(plan.ID)),
		F("uploads_limit", plan.UploadsLimit),
	)
	res := m.applied(op, a.UserID, a.SubscriptionID)
	res.PreviousPlan, res.NewPlan = user.Plan, plan.ID
	return res, nil
}

// RefreshSubscription records the provider's status, period and cancellation flag.
func (m *Manager) RefreshSubscription(ctx context.Context, state SubscriptionState) (*Result, error) {
	return m.applyState(ctx, "refresh", state, false)
}

// SyncSubscription is RefreshSubscription plus the lapse rule: a canceled or
// unpaid subscription downgrades its user to the base plan.
func (m *Manager) SyncSubscription(ctx context.Context, state SubscriptionState) (*Result, error) {
	return m.applyState(ctx, "sync", state, true)
}

func (m *Manager) applyState(ctx context.Context, op string, state SubscriptionState,
	downgradeOnLapse bool) (*Result, error) {
	sub, res, err := m.loadForEvent(ctx, op, state.SubscriptionID, state.Event)
	if res != nil || err != nil {
		return res, err
	}

	at := state.Event.At
	statusFresh := notBefore(at, sub.LastEventAt)
	periodFresh := !state.Period.IsZero() && notBefore(at, sub.PeriodEventAt)
	flagFresh := notBefore(at, sub.CancelFlagEventAt)
	if !statusFresh && !periodFresh && !flagFresh {
		return m.skipStale(op, sub, state.Event), nil
	}

	ref := m.eventRef(state.Event)
	update := SubscriptionUpdate{EventAt: ref.At}
	if periodFresh {
		period := state.Period
		update.Period = &period
	}
	if flagFresh {
		update.CancelAtPeriodEnd = &state.CancelAtPeriodEnd
	}

	// A newer event already set the status; only the fields it did not carry land.
	if !statusFresh {
		if err := m.updateSubscription(ctx, sub.ID, update); err != nil {
			return m.fail(op, sub.UserID, sub.ID, err)
		}
		m.logger.Info("stale event applied to period fields",
			F("subscription_id", sub.ID),
			F("event_id", state.Event.ID),
			F("event_at", at),
			F("last_event_at", sub.LastEventAt),
		)
		return m.applied(op, sub.UserID, sub.ID), nil
	}

	var previousPlan, newPlan PlanID
	if downgradeOnLapse && state.Status.Lapsed() {
		base := BasePlan()
		previousPlan, newPlan = sub.PlanID, base.ID
		if err := m.updateOwner(ctx, sub, UserUpdate{Plan: &base, Status: UserStatusInactive}); err != nil {
			return m.fail(op, sub.UserID, sub.ID, err)
		}
		m.logger.Info("user downgraded to base plan",
			F("user_id", sub.UserID),
			F("subscription_id", sub.ID),
			F("status", string(state.Status)),
		)
	}

	update.Status = state.Status
	update.LastEvent = ref
	if err := m.updateSubscription(ctx, sub.ID, update); err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}

	res = m.applied(op, sub.UserID, sub.ID)
	res.PreviousPlan, res.NewPlan = previousPlan, newPlan
	return res, nil
}

// Cancel ends a subscription: the user falls back to the base plan with a fresh
// quota, then the subscription becomes canceled. Canceled is terminal, so
// deletion applies regardless of event ordering.
func (m *Manager) Cancel(ctx context.Context, subscriptionID string, event EventRef) (*Result, error) {
	const op = "cancel"

	sub, err := m.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return m.skip(op, ReasonSubscriptionNotFound, "", subscriptionID), nil
		}
		return m.fail(op, "", subscriptionID, err)
	}
	if sub.Status == SubscriptionStatusCanceled {
		return m.skip(op, ReasonAlreadyCanceled, sub.UserID, sub.ID), nil
	}

	base := BasePlan()
	err = m.updateOwner(ctx, sub, UserUpdate{Plan: &base, ResetUploads: true, Status: UserStatusInactive})
	if err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}

	err = m.updateSubscription(ctx, sub.ID, SubscriptionUpdate{
		Status:    SubscriptionStatusCanceled,
		LastEvent: m.eventRef(event),
	})
	if err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}

	m.logger.Info("subscription canceled", F("user_id", sub.UserID), F("subscription_id", sub.ID))
	res := m.applied(op, sub.UserID, sub.ID)
	res.PreviousPlan, res.NewPlan = sub.PlanID, base.ID
	return res, nil
}

// Renew starts a paid billing period: the user's quota is reset and standing
// restored, then the subscription becomes active with the invoiced period.
func (m *Manager) Renew(ctx context.Context, subscriptionID string, period Period, event EventRef) (*Result, error) {
	const op = "renew"

	sub, res, err := m.loadForEvent(ctx, op, subscriptionID, event)
	if res != nil || err != nil {
		return res, err
	}

	ref := m.eventRef(event)
	update := SubscriptionUpdate{EventAt: ref.At}
	if !period.IsZero() && notBefore(event.At, sub.PeriodEventAt) {
		update.Period = &period
	}

	if !notBefore(event.At, sub.LastEventAt) {
		if update.Period == nil {
			return m.skipStale(op, sub, event), nil
		}
		if err := m.updateSubscription(ctx, sub.ID, update); err != nil {
			return m.fail(op, sub.UserID, sub.ID, err)
		}
		m.logger.Info("stale event applied to period fields",
			F("subscription_id", sub.ID),
			F("event_id", event.ID),
			F("event_at", event.At),
			F("last_event_at", sub.LastEventAt),
		)
		return m.applied(op, sub.UserID, sub.ID), nil
	}

	if err := m.updateOwner(ctx, sub, UserUpdate{ResetUploads: true, Status: UserStatusActive}); err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}

	update.Status = SubscriptionStatusActive
	update.LastEvent = ref
	if err := m.updateSubscription(ctx, sub.ID, update); err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}

	m.logger.Info("billing period renewed",
		F("user_id", sub.UserID),
		F("subscription_id", sub.ID),
		F("period_end", period.End),
	)
	return m.applied(op, sub.UserID, sub.ID), nil
}

// MarkPastDue records a failed payment. Plan and quota are left untouched.
func (m *Manager) MarkPastDue(ctx context.Context, subscriptionID string, event EventRef) (*Result, error) {
	const op = "past_due"

	sub, res, err := m.loadForEvent(ctx, op, subscriptionID, event)
	if res != nil || err != nil {
		return res, err
	}
	if !notBefore(event.At, sub.LastEventAt) {
		return m.skipStale(op, sub, event), nil
	}

	if err := m.updateOwner(ctx, sub, UserUpdate{Status: UserStatusPastDue}); err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}
	err = m.updateSubscription(ctx, sub.ID, SubscriptionUpdate{
		Status:    SubscriptionStatusPastDue,
		LastEvent: m.eventRef(event),
	})
	if err != nil {
		return m.fail(op, sub.UserID, sub.ID, err)
	}

	m.logger.Warn("subscription past due", F("user_id", sub.UserID), F("subscription_id", sub.ID))
	return m.applied(op, sub.UserID, sub.ID), nil
}

// loadForEvent fetches the subscription an event refers to. A non-nil Result
// means the event must not be applied. Staleness is left to the caller since
// it is decided per field.
func (m *Manager) loadForEvent(ctx context.Context, op, subscriptionID string,
	event EventRef) (*Subscription, *Result, error) {
	sub, err := m.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, m.skip(op, ReasonSubscriptionNotFound, "", subscriptionID), nil
		}
		res, err := m.fail(op, "", subscriptionID, err)
		return nil, res, err
	}

	switch {
	case sub.Status == SubscriptionStatusCanceled:
		return nil, m.skip(op, ReasonAlreadyCanceled, sub.UserID, sub.ID), nil
	case event.ID != "" && event.ID == sub.LastEventID:
		return nil, m.skip(op, ReasonDuplicateEvent, sub.UserID, sub.ID, F("event_id", event.ID)), nil
	}
	return sub, nil, nil
}

func (m *Manager) skipStale(op string, sub *Subscription, event EventRef) *Result {
	return m.skip(op, ReasonStaleEvent, sub.UserID, sub.ID,
		F("event_id", event.ID),
		F("event_at", event.At),
		F("last_event_at", sub.LastEventAt),
	)
}

// notBefore reports whether an event at the given time may overwrite a field
// stamped at stamp. Events without a time (resync) always may.
func notBefore(at, stamp time.Time) bool {
	return at.IsZero() || !at.Before(stamp)
}

// updateOwner writes the subscription's user. A user deleted out from under
// its subscription is logged and does not block the subscription write.
func (m *Manager) updateOwner(ctx context.Context, sub *Subscription, update UserUpdate) error {
	err := m.updateUser(ctx, sub.UserID, update)
	if errors.Is(err, ErrUserNotFound) {
		m.logger.Warn("subscription owner not found",
			F("user_id", sub.UserID),
			F("subscription_id", sub.ID),
		)
		return nil
	}
	return err
}

func (m *Manager) updateUser(ctx context.Context, userID string, update UserUpdate) error {
	if userID == "" {
		return ErrUserNotFound
	}
	return m.withRetry(ctx, "update_user", func() error {
		return m.store.UpdateUser(ctx, userID, update)
	})
}

func (m *Manager) updateSubscription(ctx context.Context, subscriptionID string, update SubscriptionUpdate) error {
	return m.withRetry(ctx, "update_subscription", func() error {
		return m.store.UpdateSubscription(ctx, subscriptionID, update)
	})
}

// eventRef stamps the subscription with the applied event. Calls without a
// provider event (manual resync) are stamped with the current time.
func (m *Manager) eventRef(event EventRef) *EventRef {
	if event.At.IsZero() {
		event.At = m.now()
	}
	return &event
}

func (m *Manager) skip(op string, reason SkipReason, userID, subscriptionID string, fields ...Field) *Result {
	m.metrics.RecordReconciliation(op, string(OutcomeSkipped), string(reason))
	fields = append([]Field{
		F("operation", op),
		F("reason", string(reason)),
		F("user_id", userID),
		F("subscription_id", subscriptionID),
	}, fields...)
	m.logger.Info("reconciliation skipped", fields...)
	return &Result{Outcome: OutcomeSkipped, Reason: reason, UserID: userID, SubscriptionID: subscriptionID}
}

func (m *Manager) applied(op, userID, subscriptionID string) *Result {
	m.metrics.RecordReconciliation(op, string(OutcomeApplied), "")
	return &Result{Outcome: OutcomeApplied, UserID: userID, SubscriptionID: subscriptionID}
}

func (m *Manager) fail(op, userID, subscriptionID string, err error) (*Result, error) {
	m.metrics.RecordReconciliation(op, "error", "")
	m.logger.Error("reconciliation failed",
		F("operation", op),
		F("user_id", userID),
		F("subscription_id", subscriptionID),
		F("error", err),
	)
	return nil, err
}
