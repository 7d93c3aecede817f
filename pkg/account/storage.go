package account

import (
	"context"
	"time"
)

// Store persists users and subscriptions, both addressed by primary key only.
// Implementations must make each single-record write atomic. No operation spans
// both collections.
type Store interface {
	// GetUser returns ErrUserNotFound when the record does not exist.
	GetUser(ctx context.Context, userID string) (*User, error)

	// CreateUser stores a new user. Returns ErrUserExists if the id is taken.
	CreateUser(ctx context.Context, user *User) error

	// UpdateUser applies a partial update. It never creates the record and
	// returns ErrUserNotFound when it is missing.
	UpdateUser(ctx context.Context, userID string, update UserUpdate) error

	// ConsumeUpload atomically increments uploadsUsed when the quota allows it
	// and returns the updated record. Returns ErrQuotaExceeded otherwise.
	ConsumeUpload(ctx context.Context, userID string) (*User, error)

	// GetSubscription returns ErrSubscriptionNotFound when the record does not exist.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// PutSubscription creates or replaces the full subscription record.
	PutSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription applies a partial update and returns
	// ErrSubscriptionNotFound when the record is missing.
	UpdateSubscription(ctx context.Context, subscriptionID string, update SubscriptionUpdate) error
}

// EventLedger remembers provider event ids that were fully reconciled, so
// redelivered events can be acknowledged without running handlers again.
type EventLedger interface {
	// Seen reports whether eventID was recorded.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Record marks eventID as processed for at least ttl (0 = implementation default).
	Record(ctx context.Context, eventID string, ttl time.Duration) error
}
