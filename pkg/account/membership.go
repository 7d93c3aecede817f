package account

import (
	"context"
	"errors"
	"time"
)

// Membership states derived for display. Other provider statuses pass through.
const (
	MembershipInactive = "inactive"
	MembershipExpired  = "expired"
)

// Membership is the read model combining a user with the subscription that
// last activated their plan. Subscription is nil for base-plan users.
type Membership struct {
	User         *User
	Plan         Plan
	Subscription *Subscription
	PeriodStart  time.Time
	PeriodEnd    time.Time
}

// Status derives the displayed standing at now.
func (ms *Membership) Status(now time.Time) string {
	if ms == nil || ms.User == nil {
		return MembershipInactive
	}
	status := SubscriptionStatusActive
	if ms.Subscription != nil && ms.Subscription.Status != "" {
		status = ms.Subscription.Status
	}
	switch {
	case status == SubscriptionStatusCanceled:
		return string(SubscriptionStatusCanceled)
	case status == SubscriptionStatusPastDue:
		return string(SubscriptionStatusPastDue)
	case ms.PeriodEnd.Before(now):
		return MembershipExpired
	}
	return string(status)
}

// Active reports whether the membership currently grants its plan.
func (ms *Membership) Active(now time.Time) bool {
	status := ms.Status(now)
	return status == string(SubscriptionStatusActive) || status == string(SubscriptionStatusTrialing)
}

// Membership loads the membership view for userID.
func (m *Manager) Membership(ctx context.Context, userID string) (*Membership, error) {
	user, err := m.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	plan, err := LookupPlan(string(user.Plan))
	if err != nil {
		plan = BasePlan()
	}
	ms := &Membership{User: user, Plan: plan}

	if user.StripeSubscriptionID != "" {
		sub, err := m.GetSubscription(ctx, user.StripeSubscriptionID)
		switch {
		case err == nil:
			ms.Subscription = sub
			ms.PeriodStart = sub.CurrentPeriodStart
			ms.PeriodEnd = sub.CurrentPeriodEnd
			return ms, nil
		case !errors.Is(err, ErrSubscriptionNotFound):
			return nil, err
		}
	}

	now := m.now()
	ms.PeriodStart = user.CreatedAt
	if ms.PeriodStart.IsZero() {
		ms.PeriodStart = now
	}
	ms.PeriodEnd = now.Add(monthlyPeriod)
	return ms, nil
}
