package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Manager applies billing state transitions to user and subscription records.
// It is safe for concurrent use; consistency for a single record relies on the
// store's per-document atomic writes.
type Manager struct {
	store   Store
	config  Config
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// RetryConfig bounds the retries of transient store failures.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per store call (default: 3)
	MaxAttempts int

	// Backoff is the first delay between tries; later delays grow exponentially
	// with jitter (default: 100ms)
	Backoff time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config configures a Manager.
type Config struct {
	// Metrics is used for tracking reconciliation outcomes (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Retry bounds retries of transient store errors
	Retry RetryConfig

	// CircuitBreakerConfig wraps the store in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now overrides the clock (default: time.Now in UTC)
	Now func() time.Time
}

// NewManager creates a new account manager with the given store and configuration
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.Backoff < 0 {
		return nil, fmt.Errorf("retry backoff must be non-negative, got %s", config.Retry.Backoff)
	}
	if config.Retry.Backoff == 0 {
		config.Retry.Backoff = 100 * time.Millisecond
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		resetTimeout := cbc.ResetTimeout
		if resetTimeout == 0 {
			resetTimeout = 30 * time.Second
		}
		metrics, logger := config.Metrics, config.Logger
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, resetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			if state == StateOpen {
				logger.Error("account store circuit opened, failing fast",
					F("reset_timeout", resetTimeout))
			} else {
				logger.Info("account store circuit state changed", F("state", string(state)))
			}
		})
		store = NewCircuitBreakerStore(store, cb)
	}

	return &Manager{
		store:   store,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// GetUser returns the user record.
func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := m.withRetry(ctx, "get_user", func() error {
		var e error
		user, e = m.store.GetUser(ctx, userID)
		return e
	})
	return user, err
}

// GetSubscription returns the subscription record.
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := m.withRetry(ctx, "get_subscription", func() error {
		var e error
		sub, e = m.store.GetSubscription(ctx, subscriptionID)
		return e
	})
	return sub, err
}

// CreateUser stores a new profile on the base plan.
func (m *Manager) CreateUser(ctx context.Context, userID, email, displayName string) (*User, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}

	base := BasePlan()
	now := m.now()
	user := &User{
		ID:           userID,
		Email:        email,
		DisplayName:  displayName,
		Plan:         base.ID,
		UploadsLimit: base.UploadsLimit,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := m.withRetry(ctx, "create_user", func() error {
		return m.store.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("user created", F("user_id", userID), F("plan", string(base.ID)))
	return user, nil
}

// ConsumeUpload spends one upload of the user's quota for the current period.
// Returns ErrQuotaExceeded together with the unchanged record when the quota is used up.
// Failures are not retried since the increment may have committed before the error.
func (m *Manager) ConsumeUpload(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := m.attempt("consume_upload", func() error {
		var e error
		user, e = m.store.ConsumeUpload(ctx, userID)
		return e
	})

	switch {
	case err == nil:
		m.metrics.RecordUploadConsumption(string(user.Plan), true)
		return user, nil
	case errors.Is(err, ErrQuotaExceeded):
		current, getErr := m.GetUser(ctx, userID)
		if getErr != nil {
			return nil, err
		}
		m.metrics.RecordUploadConsumption(string(current.Plan), false)
		return current, err
	default:
		return nil, err
	}
}
