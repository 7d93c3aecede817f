package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/storage/memory"
)

var errUnavailable = errors.New("store unavailable")

// flakyStore wraps a store and fails selected operations a fixed number of times.
type flakyStore struct {
	account.Store

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyStore(inner account.Store) *flakyStore {
	return &flakyStore{
		Store:    inner,
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (f *flakyStore) failNext(op string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = times
}

func (f *flakyStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return errUnavailable
	}
	return nil
}

func (f *flakyStore) GetUser(ctx context.Context, userID string) (*account.User, error) {
	if err := f.check("get_user"); err != nil {
		return nil, err
	}
	return f.Store.GetUser(ctx, userID)
}

func (f *flakyStore) UpdateUser(ctx context.Context, userID string, update account.UserUpdate) error {
	if err := f.check("update_user"); err != nil {
		return err
	}
	return f.Store.UpdateUser(ctx, userID, update)
}

// ConsumeUpload fails after the inner store committed, like a lost reply.
func (f *flakyStore) ConsumeUpload(ctx context.Context, userID string) (*account.User, error) {
	user, err := f.Store.ConsumeUpload(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := f.check("consume_upload"); err != nil {
		return nil, err
	}
	return user, nil
}

func (f *flakyStore) GetSubscription(ctx context.Context, id string) (*account.Subscription, error) {
	if err := f.check("get_subscription"); err != nil {
		return nil, err
	}
	return f.Store.GetSubscription(ctx, id)
}

func (f *flakyStore) PutSubscription(ctx context.Context, sub *account.Subscription) error {
	if err := f.check("put_subscription"); err != nil {
		return err
	}
	return f.Store.PutSubscription(ctx, sub)
}

func (f *flakyStore) UpdateSubscription(ctx context.Context, id string, update account.SubscriptionUpdate) error {
	if err := f.check("update_subscription"); err != nil {
		return err
	}
	return f.Store.UpdateSubscription(ctx, id, update)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store account.Store) *account.Manager {
	t.Helper()
	manager, err := account.NewManager(store, account.Config{
		Retry: account.RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond},
		Now:   func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return manager
}

func seedUser(t *testing.T, store account.Store, id string, planID account.PlanID, used int) {
	t.Helper()
	plan := account.Plans[planID]
	require.NoError(t, store.CreateUser(context.Background(), &account.User{
		ID:           id,
		Plan:         plan.ID,
		UploadsLimit: plan.UploadsLimit,
		UploadsUsed:  used,
		Status:       account.UserStatusActive,
	}))
}

func mustUser(t *testing.T, store account.Store, id string) *account.User {
	t.Helper()
	user, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return user
}

func mustSubscription(t *testing.T, store account.Store, id string) *account.Subscription {
	t.Helper()
	sub, err := store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

// activated seeds u1 with an activated smart subscription sub_1.
func activated(t *testing.T) (*memory.Store, *account.Manager) {
	t.Helper()
	store := memory.New()
	seedUser(t, store, "u1", account.PlanStart, 4)
	manager := newTestManager(t, store)

	res, err := manager.Activate(context.Background(), account.Activation{
		UserID:         "u1",
		PlanID:         "smart",
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
	})
	require.NoError(t, err)
	require.True(t, res.Applied())
	return store, manager
}
