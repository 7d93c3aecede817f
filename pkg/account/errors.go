package account

import "errors"

var (
	// ErrUserNotFound is returned when the user record does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating a user that already exists
	ErrUserExists = errors.New("user already exists")

	// ErrSubscriptionNotFound is returned when the subscription record does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUnknownPlan is returned for plan ids missing from the plan table
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrQuotaExceeded is returned when the user has no uploads left this period
	ErrQuotaExceeded = errors.New("upload quota exceeded")

	// ErrStorageUnavailable is returned when no store is configured
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidUser is returned for user records without an id
	ErrInvalidUser = errors.New("invalid user")

	// ErrInvalidSubscription is returned for subscription records without an id
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// permanent reports whether err describes record state rather than a failing store.
// Permanent errors are neither retried nor counted by the circuit breaker.
func permanent(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidSubscription)
}
