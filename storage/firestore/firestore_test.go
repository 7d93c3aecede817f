package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdrive/opadvisor/pkg/account"
)

const testProjectID = "test-project"

func TestUserMapping(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	user := &account.User{
		ID:           "u1",
		Email:        "farmer@example.com",
		Plan:         account.PlanSmart,
		UploadsLimit: 50,
		UploadsUsed:  7,
		Status:       account.UserStatusActive,
		CreatedAt:    created,
	}

	data := userData(user)
	assert.Equal(t, firestore.ServerTimestamp, data["updatedAt"])

	// Firestore returns integers as int64.
	data["uploadsLimit"] = int64(50)
	data["uploadsUsed"] = int64(7)
	got := userFromData("u1", data)
	assert.Equal(t, account.PlanSmart, got.Plan)
	assert.Equal(t, 50, got.UploadsLimit)
	assert.Equal(t, 7, got.UploadsUsed)
	assert.Equal(t, "farmer@example.com", got.Email)
	assert.Equal(t, created, got.CreatedAt)
}

func TestUserUpdates_PlanWritesLimit(t *testing.T) {
	plan := account.Plans[account.PlanPrecision]
	updates := userUpdates(account.UserUpdate{Plan: &plan, ResetUploads: true, Status: account.UserStatusInactive})

	paths := make(map[string]interface{}, len(updates))
	for _, u := range updates {
		paths[u.Path] = u.Value
	}
	assert.Equal(t, "precision", paths["plan"])
	assert.Equal(t, account.Unlimited, paths["uploadsLimit"])
	assert.Equal(t, 0, paths["uploadsUsed"])
	assert.Equal(t, "inactive", paths["status"])
	assert.Contains(t, paths, "updatedAt")
	assert.NotContains(t, paths, "stripeCustomerId")
}

func TestSubscriptionUpdates(t *testing.T) {
	cancel := true
	period := account.Period{Start: time.Unix(100, 0).UTC(), End: time.Unix(200, 0).UTC()}
	updates := subscriptionUpdates(account.SubscriptionUpdate{
		Status:            account.SubscriptionStatusPastDue,
		Period:            &period,
		CancelAtPeriodEnd: &cancel,
		LastEvent:         &account.EventRef{ID: "evt_1", At: time.Unix(150, 0).UTC()},
		EventAt:           time.Unix(140, 0).UTC(),
	})

	paths := make(map[string]interface{}, len(updates))
	for _, u := range updates {
		paths[u.Path] = u.Value
	}
	assert.Equal(t, "past_due", paths["status"])
	assert.Equal(t, period.End, paths["currentPeriodEnd"])
	assert.Equal(t, false, paths["periodProvisional"])
	assert.Equal(t, true, paths["cancelAtPeriodEnd"])
	assert.Equal(t, "evt_1", paths["lastEventId"])
	assert.Equal(t, time.Unix(140, 0).UTC(), paths["periodEventAt"])
	assert.Equal(t, time.Unix(140, 0).UTC(), paths["cancelFlagEventAt"])

	// An empty update only touches updatedAt.
	assert.Len(t, subscriptionUpdates(account.SubscriptionUpdate{}), 1)
}

func TestSubscriptionMapping(t *testing.T) {
	sub := &account.Subscription{
		ID:                 "sub_1",
		UserID:             "u1",
		PlanID:             account.PlanSmart,
		Status:             account.SubscriptionStatusActive,
		CurrentPeriodStart: time.Unix(100, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(200, 0).UTC(),
		PeriodProvisional:  true,
		StripeCustomerID:   "cus_1",
	}

	data := subscriptionData(sub)
	assert.Equal(t, "sub_1", data["stripeSubscriptionId"])
	assert.NotContains(t, data, "lastEventAt")

	got := subscriptionFromData("sub_1", data)
	assert.Equal(t, sub.UserID, got.UserID)
	assert.Equal(t, sub.PlanID, got.PlanID)
	assert.Equal(t, sub.CurrentPeriodEnd, got.CurrentPeriodEnd)
	assert.True(t, got.PeriodProvisional)
	assert.True(t, got.LastEventAt.IsZero())
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

// Integration tests run against the emulator when FIRESTORE_EMULATOR_HOST is set.

var collectionSeq int64

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%d_%d", time.Now().UnixNano(), atomic.AddInt64(&collectionSeq, 1))
	storage, err := New(client, Config{
		UsersCollection:         "test_users_" + suffix,
		SubscriptionsCollection: "test_subscriptions_" + suffix,
		EventsCollection:        "test_events_" + suffix,
	})
	require.NoError(t, err)
	return storage
}

func seedUser(t *testing.T, s *Storage, id string, planID account.PlanID, used int) {
	t.Helper()
	plan := account.Plans[planID]
	require.NoError(t, s.CreateUser(context.Background(), &account.User{
		ID:           id,
		Plan:         plan.ID,
		UploadsLimit: plan.UploadsLimit,
		UploadsUsed:  used,
		Status:       account.UserStatusActive,
	}))
}

func TestFirestore_Users(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	_, err := s.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, account.ErrUserNotFound)
	assert.ErrorIs(t, s.UpdateUser(ctx, "u1", account.UserUpdate{ResetUploads: true}), account.ErrUserNotFound)

	seedUser(t, s, "u1", account.PlanStart, 3)
	assert.ErrorIs(t, s.CreateUser(ctx, &account.User{ID: "u1"}), account.ErrUserExists)

	plan := account.Plans[account.PlanSmart]
	require.NoError(t, s.UpdateUser(ctx, "u1", account.UserUpdate{
		Plan:             &plan,
		ResetUploads:     true,
		StripeCustomerID: "cus_1",
	}))

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, account.PlanSmart, user.Plan)
	assert.Equal(t, 50, user.UploadsLimit)
	assert.Equal(t, 0, user.UploadsUsed)
	assert.Equal(t, "cus_1", user.StripeCustomerID)
	assert.Equal(t, account.UserStatusActive, user.Status)
}

func TestFirestore_ConsumeUpload_Concurrent(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	seedUser(t, s, "u1", account.PlanStart, 0)

	var wg sync.WaitGroup
	var allowed int64
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeUpload(ctx, "u1"); err == nil {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	// Contended transactions may abort; none may overshoot the limit.
	assert.LessOrEqual(t, allowed, int64(10))
	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int(allowed), user.UploadsUsed)

	for i := user.UploadsUsed; i < 10; i++ {
		_, err := s.ConsumeUpload(ctx, "u1")
		require.NoError(t, err)
	}
	_, err = s.ConsumeUpload(ctx, "u1")
	assert.ErrorIs(t, err, account.ErrQuotaExceeded)
}

func TestFirestore_Subscriptions(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, account.ErrSubscriptionNotFound)
	assert.ErrorIs(t, s.UpdateSubscription(ctx, "sub_1", account.SubscriptionUpdate{
		Status: account.SubscriptionStatusCanceled,
	}), account.ErrSubscriptionNotFound)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutSubscription(ctx, &account.Subscription{
		ID:                 "sub_1",
		UserID:             "u1",
		PlanID:             account.PlanSmart,
		Status:             account.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.Add(30 * 24 * time.Hour),
		PeriodProvisional:  true,
		CreatedAt:          start,
	}))

	period := account.Period{Start: start.Add(time.Hour), End: start.Add(31 * 24 * time.Hour)}
	require.NoError(t, s.UpdateSubscription(ctx, "sub_1", account.SubscriptionUpdate{
		Status:    account.SubscriptionStatusPastDue,
		Period:    &period,
		LastEvent: &account.EventRef{ID: "evt_1", At: start.Add(2 * time.Hour)},
	}))

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, account.SubscriptionStatusPastDue, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(period.End))
	assert.False(t, sub.PeriodProvisional)
	assert.Equal(t, "evt_1", sub.LastEventID)
	assert.Equal(t, "u1", sub.UserID)
}

func TestFirestore_Ledger(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Record(ctx, "evt_1", time.Hour))
	seen, err = s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	seen, err = s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "expired entries are ignored")
}
