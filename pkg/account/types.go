package account

import "time"

// UserStatus is the account standing of a user.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusPastDue  UserStatus = "past_due"
	UserStatusInactive UserStatus = "inactive"
)

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
// Statuses not listed here are stored verbatim.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
)

// Lapsed reports whether the status revokes the paid plan.
func (s SubscriptionStatus) Lapsed() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusUnpaid
}

// User is the profile record owned by the identity system and mutated by billing.
type User struct {
	ID                   string
	Email                string
	DisplayName          string
	Plan                 PlanID
	UploadsLimit         int // -1 means unlimited
	UploadsUsed          int
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               UserStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UploadsRemaining returns the uploads left in the current period, or Unlimited.
func (u *User) UploadsRemaining() int {
	if u.UploadsLimit == Unlimited {
		return Unlimited
	}
	if remaining := u.UploadsLimit - u.UploadsUsed; remaining > 0 {
		return remaining
	}
	return 0
}

// Period is a billing cycle [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither bound is set.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Subscription is keyed by the billing provider's subscription id.
type Subscription struct {
	ID                 string
	UserID             string
	PlanID             PlanID
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	// PeriodProvisional is true while the period is a local estimate made at checkout.
	PeriodProvisional bool
	CancelAtPeriodEnd bool
	StripeCustomerID  string
	StripePriceID     string
	// LastEventID and LastEventAt identify the newest provider event applied to the record.
	LastEventID string
	LastEventAt time.Time
	// PeriodEventAt and CancelFlagEventAt are the times of the events that last
	// wrote the period and CancelAtPeriodEnd. They lag LastEventAt when a newer
	// event without those fields (an invoice) arrived first.
	PeriodEventAt     time.Time
	CancelFlagEventAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Period returns the current billing period.
func (s *Subscription) Period() Period {
	return Period{Start: s.CurrentPeriodStart, End: s.CurrentPeriodEnd}
}

// UserUpdate is a field-level partial update of a user record.
// Zero values leave the stored field unchanged.
type UserUpdate struct {
	// Plan writes both plan and uploadsLimit so the two never diverge.
	Plan                 *Plan
	ResetUploads         bool
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               UserStatus
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Plan == nil && !u.ResetUploads && u.StripeCustomerID == "" &&
		u.StripeSubscriptionID == "" && u.Status == ""
}

// Apply mutates user in place. Stores without native partial updates use it.
func (u UserUpdate) Apply(user *User) {
	if u.Plan != nil {
		user.Plan = u.Plan.ID
		user.UploadsLimit = u.Plan.UploadsLimit
	}
	if u.ResetUploads {
		user.UploadsUsed = 0
	}
	if u.StripeCustomerID != "" {
		user.StripeCustomerID = u.StripeCustomerID
	}
	if u.StripeSubscriptionID != "" {
		user.StripeSubscriptionID = u.StripeSubscriptionID
	}
	if u.Status != "" {
		user.Status = u.Status
	}
}

// EventRef identifies a provider event.
type EventRef struct {
	ID string
	At time.Time
}

// SubscriptionUpdate is a field-level partial update of a subscription record.
type SubscriptionUpdate struct {
	Status            SubscriptionStatus
	Period            *Period // also clears PeriodProvisional
	CancelAtPeriodEnd *bool
	LastEvent         *EventRef
	// EventAt stamps PeriodEventAt and CancelFlagEventAt for whichever of the
	// two fields the update writes.
	EventAt time.Time
}

// Apply mutates sub in place.
func (u SubscriptionUpdate) Apply(sub *Subscription) {
	if u.Status != "" {
		sub.Status = u.Status
	}
	if u.Period != nil {
		sub.CurrentPeriodStart = u.Period.Start
		sub.CurrentPeriodEnd = u.Period.End
		sub.PeriodProvisional = false
		sub.PeriodEventAt = u.EventAt
	}
	if u.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
		sub.CancelFlagEventAt = u.EventAt
	}
	if u.LastEvent != nil {
		sub.LastEventID = u.LastEvent.ID
		sub.LastEventAt = u.LastEvent.At
	}
}
