package account

import (
	"context"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.store.GetUser(ctx, userID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStore) CreateUser(ctx context.Context, user *User) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.CreateUser(ctx, user)
	})
}

func (s *CircuitBreakerStore) UpdateUser(ctx context.Context, userID string, update UserUpdate) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.UpdateUser(ctx, userID, update)
	})
}

func (s *CircuitBreakerStore) ConsumeUpload(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.store.ConsumeUpload(ctx, userID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStore) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.store.GetSubscription(ctx, subscriptionID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStore) PutSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.PutSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStore) UpdateSubscription(ctx context.Context, subscriptionID string,
	update SubscriptionUpdate) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.UpdateSubscription(ctx, subscriptionID, update)
	})
}
