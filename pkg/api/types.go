package api

import "time"

// AccountResponse is the billing standing of a user as shown on the dashboard
type AccountResponse struct {
	UserID       string            `json:"user_id"`
	Plan         string            `json:"plan"`
	PlanName     string            `json:"plan_name"`
	Status       string            `json:"status"` // "active", "past_due", "canceled", "expired", ...
	Uploads      UploadsUsage      `json:"uploads"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}

// UploadsUsage is the upload quota for the current billing period
type UploadsUsage struct {
	Limit     int `json:"limit"` // -1 for unlimited
	Used      int `json:"used"`
	Remaining int `json:"remaining"` // -1 for unlimited
}

// SubscriptionInfo describes the subscription that granted the plan
type SubscriptionInfo struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
}
