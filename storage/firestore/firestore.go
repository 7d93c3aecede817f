// Package firestore provides a Firestore implementation of the account.Store interface.
// Documents use the field names of the CropDrive web app, so both can share a project.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// Storage implements account.Store and account.EventLedger using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	subscriptionsCollection string
	eventsCollection        string
	now                     func() time.Time
}

var (
	_ account.Store       = (*Storage)(nil)
	_ account.EventLedger = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user profiles
	// Default: "users"
	UsersCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "subscriptions"
	SubscriptionsCollection string

	// EventsCollection holds processed Stripe event ids. Configure a TTL
	// policy on the expiresAt field to prune it.
	// Default: "stripe_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "stripe_events"
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
		now:                     func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetUser implements account.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*account.User, error) {
	if userID == "" {
		return nil, account.ErrUserNotFound
	}
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, account.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, account.ErrUserNotFound
	}
	return userFromData(userID, snap.Data()), nil
}

// CreateUser implements account.Store
func (s *Storage) CreateUser(ctx context.Context, user *account.User) error {
	if user == nil || user.ID == "" {
		return account.ErrInvalidUser
	}
	_, err := s.userDoc(user.ID).Create(ctx, userData(user))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return account.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateUser implements account.Store. Firestore's Update fails on a missing
// document, so the record is never recreated.
func (s *Storage) UpdateUser(ctx context.Context, userID string, update account.UserUpdate) error {
	if userID == "" {
		return account.ErrUserNotFound
	}
	_, err := s.userDoc(userID).Update(ctx, userUpdates(update))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return account.ErrUserNotFound
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// ConsumeUpload implements account.Store with transaction-safe consumption
func (s *Storage) ConsumeUpload(ctx context.Context, userID string) (*account.User, error) {
	if userID == "" {
		return nil, account.ErrUserNotFound
	}
	doc := s.userDoc(userID)
	var user *account.User

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return account.ErrUserNotFound
			}
			return err
		}

		user = userFromData(userID, snap.Data())
		if user.UploadsLimit != account.Unlimited && user.UploadsUsed >= user.UploadsLimit {
			return account.ErrQuotaExceeded
		}
		user.UploadsUsed++
		user.UpdatedAt = s.now()

		return tx.Update(doc, []firestore.Update{
			{Path: "uploadsUsed", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: user.UpdatedAt},
		})
	})
	if err != nil {
		if errors.Is(err, account.ErrQuotaExceeded) || errors.Is(err, account.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume upload: %w", err)
	}
	return user, nil
}

// GetSubscription implements account.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*account.Subscription, error) {
	if subscriptionID == "" {
		return nil, account.ErrSubscriptionNotFound
	}
	snap, err := s.subscriptionDoc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, account.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, account.ErrSubscriptionNotFound
	}
	return subscriptionFromData(subscriptionID, snap.Data()), nil
}

// PutSubscription implements account.Store
func (s *Storage) PutSubscription(ctx context.Context, sub *account.Subscription) error {
	if sub == nil || sub.ID == "" {
		return account.ErrInvalidSubscription
	}
	if _, err := s.subscriptionDoc(sub.ID).Set(ctx, subscriptionData(sub)); err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements account.Store
func (s *Storage) UpdateSubscription(ctx context.Context, subscriptionID string,
	update account.SubscriptionUpdate) error {
	if subscriptionID == "" {
		return account.ErrSubscriptionNotFound
	}
	_, err := s.subscriptionDoc(subscriptionID).Update(ctx, subscriptionUpdates(update))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return account.ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// Seen implements account.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get event: %w", err)
	}
	if !snap.Exists() {
		return false, nil
	}
	// TTL deletion is lazy, so expired documents may still be present.
	return getTime(snap.Data(), "expiresAt").After(s.now()), nil
}

// Record implements account.EventLedger
func (s *Storage) Record(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	now := s.now()
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Set(ctx, map[string]interface{}{
		"processedAt": now,
		"expiresAt":   now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

func (s *Storage) subscriptionDoc(subscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
}

func userData(user *account.User) map[string]interface{} {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return map[string]interface{}{
		"uid":                  user.ID,
		"email":                user.Email,
		"displayName":          user.DisplayName,
		"plan":                 string(user.Plan),
		"uploadsLimit":         user.UploadsLimit,
		"uploadsUsed":          user.UploadsUsed,
		"stripeCustomerId":     user.StripeCustomerID,
		"stripeSubscriptionId": user.StripeSubscriptionID,
		"status":               string(user.Status),
		"createdAt":            createdAt,
		"updatedAt":            firestore.ServerTimestamp,
	}
}

// userUpdates builds a field-level update. plan and uploadsLimit are always
// written together.
func userUpdates(update account.UserUpdate) []firestore.Update {
	updates := make([]firestore.Update, 0, 7)
	if update.Plan != nil {
		updates = append(updates,
			firestore.Update{Path: "plan", Value: string(update.Plan.ID)},
			firestore.Update{Path: "uploadsLimit", Value: update.Plan.UploadsLimit},
		)
	}
	if update.ResetUploads {
		updates = append(updates, firestore.Update{Path: "uploadsUsed", Value: 0})
	}
	if update.StripeCustomerID != "" {
		updates = append(updates, firestore.Update{Path: "stripeCustomerId", Value: update.StripeCustomerID})
	}
	if update.StripeSubscriptionID != "" {
		updates = append(updates, firestore.Update{Path: "stripeSubscriptionId", Value: update.StripeSubscriptionID})
	}
	if update.Status != "" {
		updates = append(updates, firestore.Update{Path: "status", Value: string(update.Status)})
	}
	return append(updates, firestore.Update{Path: "updatedAt", Value: firestore.ServerTimestamp})
}

func userFromData(userID string, data map[string]interface{}) *account.User {
	return &account.User{
		ID:                   userID,
		Email:                getString(data, "email"),
		DisplayName:          getString(data, "displayName"),
		Plan:                 account.PlanID(getString(data, "plan")),
		UploadsLimit:         getInt(data, "uploadsLimit"),
		UploadsUsed:          getInt(data, "uploadsUsed"),
		StripeCustomerID:     getString(data, "stripeCustomerId"),
		StripeSubscriptionID: getString(data, "stripeSubscriptionId"),
		Status:               account.UserStatus(getString(data, "status")),
		CreatedAt:            getTime(data, "createdAt"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
}

func subscriptionData(sub *account.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"id":                   sub.ID,
		"userId":               sub.UserID,
		"planId":               string(sub.PlanID),
		"stripeSubscriptionId": sub.ID,
		"stripeCustomerId":     sub.StripeCustomerID,
		"stripePriceId":        sub.StripePriceID,
		"status":               string(sub.Status),
		"currentPeriodStart":   sub.CurrentPeriodStart,
		"currentPeriodEnd":     sub.CurrentPeriodEnd,
		"periodProvisional":    sub.PeriodProvisional,
		"cancelAtPeriodEnd":    sub.CancelAtPeriodEnd,
		"lastEventId":          sub.LastEventID,
		"createdAt":            sub.CreatedAt,
		"updatedAt":            firestore.ServerTimestamp,
	}
	if !sub.LastEventAt.IsZero() {
		data["lastEventAt"] = sub.LastEventAt
	}
	if !sub.PeriodEventAt.IsZero() {
		data["periodEventAt"] = sub.PeriodEventAt
	}
	if !sub.CancelFlagEventAt.IsZero() {
		data["cancelFlagEventAt"] = sub.CancelFlagEventAt
	}
	return data
}

func subscriptionUpdates(update account.SubscriptionUpdate) []firestore.Update {
	updates := make([]firestore.Update, 0, 8)
	if update.Status != "" {
		updates = append(updates, firestore.Update{Path: "status", Value: string(update.Status)})
	}
	if update.Period != nil {
		updates = append(updates,
			firestore.Update{Path: "currentPeriodStart", Value: update.Period.Start},
			firestore.Update{Path: "currentPeriodEnd", Value: update.Period.End},
			firestore.Update{Path: "periodProvisional", Value: false},
			firestore.Update{Path: "periodEventAt", Value: update.EventAt},
		)
	}
	if update.CancelAtPeriodEnd != nil {
		updates = append(updates,
			firestore.Update{Path: "cancelAtPeriodEnd", Value: *update.CancelAtPeriodEnd},
			firestore.Update{Path: "cancelFlagEventAt", Value: update.EventAt},
		)
	}
	if update.LastEvent != nil {
		updates = append(updates,
			firestore.Update{Path: "lastEventId", Value: update.LastEvent.ID},
			firestore.Update{Path: "lastEventAt", Value: update.LastEvent.At},
		)
	}
	return append(updates, firestore.Update{Path: "updatedAt", Value: firestore.ServerTimestamp})
}

func subscriptionFromData(subscriptionID string, data map[string]interface{}) *account.Subscription {
	return &account.Subscription{
		ID:                 subscriptionID,
		UserID:             getString(data, "userId"),
		PlanID:             account.PlanID(getString(data, "planId")),
		Status:             account.SubscriptionStatus(getString(data, "status")),
		CurrentPeriodStart: getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:   getTime(data, "currentPeriodEnd"),
		PeriodProvisional:  getBool(data, "periodProvisional"),
		CancelAtPeriodEnd:  getBool(data, "cancelAtPeriodEnd"),
		StripeCustomerID:   getString(data, "stripeCustomerId"),
		StripePriceID:      getString(data, "stripePriceId"),
		LastEventID:        getString(data, "lastEventId"),
		LastEventAt:        getTime(data, "lastEventAt"),
		PeriodEventAt:      getTime(data, "periodEventAt"),
		CancelFlagEventAt:  getTime(data, "cancelFlagEventAt"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
