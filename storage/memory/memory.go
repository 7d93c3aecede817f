// Package memory provides an in-memory implementation of the account.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// Store implements account.Store using in-memory maps
type Store struct {
	mu            sync.RWMutex
	users         map[string]*account.User
	subscriptions map[string]*account.Subscription
}

var _ account.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		users:         make(map[string]*account.User),
		subscriptions: make(map[string]*account.Subscription),
	}
}

// GetUser implements account.Store
func (s *Store) GetUser(_ context.Context, userID string) (*account.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, account.ErrUserNotFound
	}

	// Return a copy to prevent external mutations
	userCopy := *user
	return &userCopy, nil
}

// CreateUser implements account.Store
func (s *Store) CreateUser(_ context.Context, user *account.User) error {
	if user == nil || user.ID == "" {
		return account.ErrInvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return account.ErrUserExists
	}
	userCopy := *user
	s.users[user.ID] = &userCopy
	return nil
}

// UpdateUser implements account.Store
func (s *Store) UpdateUser(_ context.Context, userID string, update account.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return account.ErrUserNotFound
	}
	update.Apply(user)
	user.UpdatedAt = time.Now().UTC()
	return nil
}

// ConsumeUpload implements account.Store
func (s *Store) ConsumeUpload(_ context.Context, userID string) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, account.ErrUserNotFound
	}
	if user.UploadsLimit != account.Unlimited && user.UploadsUsed >= user.UploadsLimit {
		return nil, account.ErrQuotaExceeded
	}
	user.UploadsUsed++
	user.UpdatedAt = time.Now().UTC()

	userCopy := *user
	return &userCopy, nil
}

// GetSubscription implements account.Store
func (s *Store) GetSubscription(_ context.Context, subscriptionID string) (*account.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, account.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// PutSubscription implements account.Store
func (s *Store) PutSubscription(_ context.Context, sub *account.Subscription) error {
	if sub == nil || sub.ID == "" {
		return account.ErrInvalidSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscriptions[sub.ID] = &subCopy
	return nil
}

// UpdateSubscription implements account.Store
func (s *Store) UpdateSubscription(_ context.Context, subscriptionID string,
	update account.SubscriptionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return account.ErrSubscriptionNotFound
	}
	update.Apply(sub)
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// Clear removes all records (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*account.User)
	s.subscriptions = make(map[string]*account.Subscription)
}
