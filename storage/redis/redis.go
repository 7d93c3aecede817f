// Package redis provides a Redis implementation of the account.Store interface.
// Records are hashes; every conditional write is a Lua script so it stays atomic.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// Storage implements account.Store and account.EventLedger using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

var (
	_ account.Store       = (*Storage)(nil)
	_ account.EventLedger = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "opadvisor:")
	KeyPrefix string

	// EventTTL is the default TTL for processed event ids (default: 72h)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "opadvisor:",
		EventTTL:  72 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "opadvisor:"
	}
	if config.EventTTL <= 0 {
		config.EventTTL = 72 * time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.loadScripts()
	return s, nil
}

// Script results for a missing record or an exhausted quota.
const (
	resultMissing  = 0
	resultExceeded = -1
)

// loadScripts loads Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Create only when the key is absent
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], unpack(ARGV))
		return 1
	`)

	// Partial update that never creates the record
	s.scripts["update"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[1], unpack(ARGV))
		return 1
	`)

	// Full replacement
	s.scripts["replace"] = redis.NewScript(`
		redis.call('DEL', KEYS[1])
		redis.call('HSET', KEYS[1], unpack(ARGV))
		return 1
	`)

	// Increment uploadsUsed within the limit; -1 limit is unlimited
	s.scripts["consume"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		local limit = tonumber(redis.call('HGET', KEYS[1], 'uploadsLimit') or '0')
		local used = tonumber(redis.call('HGET', KEYS[1], 'uploadsUsed') or '0')
		if limit ~= -1 and used >= limit then
			return -1
		end
		redis.call('HINCRBY', KEYS[1], 'uploadsUsed', 1)
		redis.call('HSET', KEYS[1], 'updatedAt', ARGV[1])
		return redis.call('HGETALL', KEYS[1])
	`)
}

// GetUser implements account.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*account.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, account.ErrUserNotFound
	}
	return userFromHash(userID, fields), nil
}

// CreateUser implements account.Store
func (s *Storage) CreateUser(ctx context.Context, user *account.User) error {
	if user == nil || user.ID == "" {
		return account.ErrInvalidUser
	}
	record := *user
	record.UpdatedAt = s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	created, err := s.scripts["create"].Run(ctx, s.client, []string{s.userKey(user.ID)}, userHash(&record)...).Int()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if created == 0 {
		return account.ErrUserExists
	}
	return nil
}

// UpdateUser implements account.Store
func (s *Storage) UpdateUser(ctx context.Context, userID string, update account.UserUpdate) error {
	args := userUpdateArgs(update)
	args = append(args, "updatedAt", formatTime(s.now()))

	updated, err := s.scripts["update"].Run(ctx, s.client, []string{s.userKey(userID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if updated == resultMissing {
		return account.ErrUserNotFound
	}
	return nil
}

// ConsumeUpload implements account.Store
func (s *Storage) ConsumeUpload(ctx context.Context, userID string) (*account.User, error) {
	result, err := s.scripts["consume"].Run(ctx, s.client, []string{s.userKey(userID)}, formatTime(s.now())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume upload: %w", err)
	}

	switch v := result.(type) {
	case int64:
		if v == resultExceeded {
			return nil, account.ErrQuotaExceeded
		}
		return nil, account.ErrUserNotFound
	case []interface{}:
		return userFromHash(userID, pairsToMap(v)), nil
	default:
		return nil, fmt.Errorf("unexpected consume result type: %T", result)
	}
}

// GetSubscription implements account.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*account.Subscription, error) {
	fields, err := s.client.HGetAll(ctx, s.subscriptionKey(subscriptionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, account.ErrSubscriptionNotFound
	}
	return subscriptionFromHash(subscriptionID, fields), nil
}

// PutSubscription implements account.Store
func (s *Storage) PutSubscription(ctx context.Context, sub *account.Subscription) error {
	if sub == nil || sub.ID == "" {
		return account.ErrInvalidSubscription
	}
	record := *sub
	record.UpdatedAt = s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	err := s.scripts["replace"].Run(ctx, s.client, []string{s.subscriptionKey(sub.ID)}, subscriptionHash(&record)...).Err()
	if err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements account.Store
func (s *Storage) UpdateSubscription(ctx context.Context, subscriptionID string,
	update account.SubscriptionUpdate) error {
	args := subscriptionUpdateArgs(update)
	args = append(args, "updatedAt", formatTime(s.now()))

	updated, err := s.scripts["update"].Run(ctx, s.client, []string{s.subscriptionKey(subscriptionID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if updated == resultMissing {
		return account.ErrSubscriptionNotFound
	}
	return nil
}

// Seen implements account.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n == 1, nil
}

// Record implements account.EventLedger
func (s *Storage) Record(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.config.EventTTL
	}
	if err := s.client.Set(ctx, s.eventKey(eventID), formatTime(s.now()), ttl).Err(); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return s.config.KeyPrefix + "subscription:" + subscriptionID
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func userHash(user *account.User) []interface{} {
	return []interface{}{
		"email", user.Email,
		"displayName", user.DisplayName,
		"plan", string(user.Plan),
		"uploadsLimit", user.UploadsLimit,
		"uploadsUsed", user.UploadsUsed,
		"stripeCustomerId", user.StripeCustomerID,
		"stripeSubscriptionId", user.StripeSubscriptionID,
		"status", string(user.Status),
		"createdAt", formatTime(user.CreatedAt),
		"updatedAt", formatTime(user.UpdatedAt),
	}
}

func userUpdateArgs(update account.UserUpdate) []interface{} {
	args := make([]interface{}, 0, 14)
	if update.Plan != nil {
		args = append(args, "plan", string(update.Plan.ID), "uploadsLimit", update.Plan.UploadsLimit)
	}
	if update.ResetUploads {
		args = append(args, "uploadsUsed", 0)
	}
	if update.StripeCustomerID != "" {
		args = append(args, "stripeCustomerId", update.StripeCustomerID)
	}
	if update.StripeSubscriptionID != "" {
		args = append(args, "stripeSubscriptionId", update.StripeSubscriptionID)
	}
	if update.Status != "" {
		args = append(args, "status", string(update.Status))
	}
	return args
}

func userFromHash(userID string, fields map[string]string) *account.User {
	return &account.User{
		ID:                   userID,
		Email:                fields["email"],
		DisplayName:          fields["displayName"],
		Plan:                 account.PlanID(fields["plan"]),
		UploadsLimit:         atoi(fields["uploadsLimit"]),
		UploadsUsed:          atoi(fields["uploadsUsed"]),
		StripeCustomerID:     fields["stripeCustomerId"],
		StripeSubscriptionID: fields["stripeSubscriptionId"],
		Status:               account.UserStatus(fields["status"]),
		CreatedAt:            parseTime(fields["createdAt"]),
		UpdatedAt:            parseTime(fields["updatedAt"]),
	}
}

func subscriptionHash(sub *account.Subscription) []interface{} {
	return []interface{}{
		"userId", sub.UserID,
		"planId", string(sub.PlanID),
		"status", string(sub.Status),
		"currentPeriodStart", formatTime(sub.CurrentPeriodStart),
		"currentPeriodEnd", formatTime(sub.CurrentPeriodEnd),
		"periodProvisional", strconv.FormatBool(sub.PeriodProvisional),
		"cancelAtPeriodEnd", strconv.FormatBool(sub.CancelAtPeriodEnd),
		"stripeCustomerId", sub.StripeCustomerID,
		"stripePriceId", sub.StripePriceID,
		"lastEventId", sub.LastEventID,
		"lastEventAt", formatTime(sub.LastEventAt),
		"periodEventAt", formatTime(sub.PeriodEventAt),
		"cancelFlagEventAt", formatTime(sub.CancelFlagEventAt),
		"createdAt", formatTime(sub.CreatedAt),
		"updatedAt", formatTime(sub.UpdatedAt),
	}
}

func subscriptionUpdateArgs(update account.SubscriptionUpdate) []interface{} {
	args := make([]interface{}, 0, 16)
	if update.Status != "" {
		args = append(args, "status", string(update.Status))
	}
	if update.Period != nil {
		args = append(args,
			"currentPeriodStart", formatTime(update.Period.Start),
			"currentPeriodEnd", formatTime(update.Period.End),
			"periodProvisional", "false",
			"periodEventAt", formatTime(update.EventAt),
		)
	}
	if update.CancelAtPeriodEnd != nil {
		args = append(args,
			"cancelAtPeriodEnd", strconv.FormatBool(*update.CancelAtPeriodEnd),
			"cancelFlagEventAt", formatTime(update.EventAt),
		)
	}
	if update.LastEvent != nil {
		args = append(args, "lastEventId", update.LastEvent.ID, "lastEventAt", formatTime(update.LastEvent.At))
	}
	return args
}

func subscriptionFromHash(subscriptionID string, fields map[string]string) *account.Subscription {
	return &account.Subscription{
		ID:                 subscriptionID,
		UserID:             fields["userId"],
		PlanID:             account.PlanID(fields["planId"]),
		Status:             account.SubscriptionStatus(fields["status"]),
		CurrentPeriodStart: parseTime(fields["currentPeriodStart"]),
		CurrentPeriodEnd:   parseTime(fields["currentPeriodEnd"]),
		PeriodProvisional:  fields["periodProvisional"] == "true",
		CancelAtPeriodEnd:  fields["cancelAtPeriodEnd"] == "true",
		StripeCustomerID:   fields["stripeCustomerId"],
		StripePriceID:      fields["stripePriceId"],
		LastEventID:        fields["lastEventId"],
		LastEventAt:        parseTime(fields["lastEventAt"]),
		PeriodEventAt:      parseTime(fields["periodEventAt"]),
		CancelFlagEventAt:  parseTime(fields["cancelFlagEventAt"]),
		CreatedAt:          parseTime(fields["createdAt"]),
		UpdatedAt:          parseTime(fields["updatedAt"]),
	}
}

func pairsToMap(pairs []interface{}) map[string]string {
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		value, _ := pairs[i+1].(string)
		fields[key] = value
	}
	return fields
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
