// Package postgres provides a PostgreSQL implementation of the account.Store interface.
// Every write is a single statement, so each record update is atomic without
// explicit transactions.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cropdrive/opadvisor/pkg/account"
)

//go:embed schema.sql
var schema string

// Storage implements account.Store and account.EventLedger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var (
	_ account.Store       = (*Storage)(nil)
	_ account.EventLedger = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired event ids are deleted
	EventTTL        time.Duration // Default TTL for processed event ids
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventTTL:        72 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.EventTTL <= 0 {
		config.EventTTL = 72 * time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const userColumns = `id, email, display_name, plan, uploads_limit, uploads_used,
	stripe_customer_id, stripe_subscription_id, status, created_at, updated_at`

func scanUser(row pgx.Row) (*account.User, error) {
	var user account.User
	var plan, status string
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&plan,
		&user.UploadsLimit,
		&user.UploadsUsed,
		&user.StripeCustomerID,
		&user.StripeSubscriptionID,
		&status,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Plan = account.PlanID(plan)
	user.Status = account.UserStatus(status)
	return &user, nil
}

// GetUser implements account.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*account.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateUser implements account.Store
func (s *Storage) CreateUser(ctx context.Context, user *account.User) error {
	if user == nil || user.ID == "" {
		return account.ErrInvalidUser
	}
	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Email, user.DisplayName, string(user.Plan), user.UploadsLimit, user.UploadsUsed,
		user.StripeCustomerID, user.StripeSubscriptionID, string(user.Status), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrUserExists
	}
	return nil
}

// UpdateUser implements account.Store. Absent fields keep their stored value.
func (s *Storage) UpdateUser(ctx context.Context, userID string, update account.UserUpdate) error {
	var plan *string
	var limit *int
	if update.Plan != nil {
		id := string(update.Plan.ID)
		plan, limit = &id, &update.Plan.UploadsLimit
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
				plan = COALESCE($2, plan),
				uploads_limit = COALESCE($3, uploads_limit),
				uploads_used = CASE WHEN $4 THEN 0 ELSE uploads_used END,
				stripe_customer_id = COALESCE(NULLIF($5, ''), stripe_customer_id),
				stripe_subscription_id = COALESCE(NULLIF($6, ''), stripe_subscription_id),
				status = COALESCE(NULLIF($7, ''), status),
				updated_at = $8
			WHERE id = $1`,
		userID, plan, limit, update.ResetUploads, update.StripeCustomerID,
		update.StripeSubscriptionID, string(update.Status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrUserNotFound
	}
	return nil
}

// ConsumeUpload implements account.Store. The limit check and the increment
// run in one statement under the row lock.
func (s *Storage) ConsumeUpload(ctx context.Context, userID string) (*account.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET uploads_used = uploads_used + 1, updated_at = $2
			WHERE id = $1 AND (uploads_limit = -1 OR uploads_used < uploads_limit)
			RETURNING `+userColumns,
		userID, time.Now().UTC()))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume upload: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to consume upload: %w", err)
	}
	if !exists {
		return nil, account.ErrUserNotFound
	}
	return nil, account.ErrQuotaExceeded
}

// GetSubscription implements account.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*account.Subscription, error) {
	var sub account.Subscription
	var planID, status string
	var periodStart, periodEnd, lastEventAt, periodEventAt, cancelFlagEventAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, plan_id, status, current_period_start, current_period_end,
				period_provisional, cancel_at_period_end, stripe_customer_id, stripe_price_id,
				last_event_id, last_event_at, period_event_at, cancel_flag_event_at,
				created_at, updated_at
			FROM subscriptions WHERE id = $1`,
		subscriptionID).Scan(
		&sub.ID,
		&sub.UserID,
		&planID,
		&status,
		&periodStart,
		&periodEnd,
		&sub.PeriodProvisional,
		&sub.CancelAtPeriodEnd,
		&sub.StripeCustomerID,
		&sub.StripePriceID,
		&sub.LastEventID,
		&lastEventAt,
		&periodEventAt,
		&cancelFlagEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.PlanID = account.PlanID(planID)
	sub.Status = account.SubscriptionStatus(status)
	sub.CurrentPeriodStart = derefTime(periodStart)
	sub.CurrentPeriodEnd = derefTime(periodEnd)
	sub.LastEventAt = derefTime(lastEventAt)
	sub.PeriodEventAt = derefTime(periodEventAt)
	sub.CancelFlagEventAt = derefTime(cancelFlagEventAt)
	return &sub, nil
}

// PutSubscription implements account.Store
func (s *Storage) PutSubscription(ctx context.Context, sub *account.Subscription) error {
	if sub == nil || sub.ID == "" {
		return account.ErrInvalidSubscription
	}
	now := time.Now().UTC()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(id, user_id, plan_id, status, current_period_start, current_period_end,
				period_provisional, cancel_at_period_end, stripe_customer_id, stripe_price_id,
				last_event_id, last_event_at, period_event_at, cancel_flag_event_at,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				plan_id = EXCLUDED.plan_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				period_provisional = EXCLUDED.period_provisional,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				stripe_price_id = EXCLUDED.stripe_price_id,
				last_event_id = EXCLUDED.last_event_id,
				last_event_at = EXCLUDED.last_event_at,
				period_event_at = EXCLUDED.period_event_at,
				cancel_flag_event_at = EXCLUDED.cancel_flag_event_at,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, string(sub.PlanID), string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		sub.PeriodProvisional, sub.CancelAtPeriodEnd, sub.StripeCustomerID, sub.StripePriceID,
		sub.LastEventID, nullTime(sub.LastEventAt),
		nullTime(sub.PeriodEventAt), nullTime(sub.CancelFlagEventAt), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements account.Store
func (s *Storage) UpdateSubscription(ctx context.Context, subscriptionID string,
	update account.SubscriptionUpdate) error {
	var periodStart, periodEnd, lastEventAt *time.Time
	var lastEventID *string
	if update.Period != nil {
		periodStart, periodEnd = &update.Period.Start, &update.Period.End
	}
	if update.LastEvent != nil {
		lastEventID = &update.LastEvent.ID
		lastEventAt = nullTime(update.LastEvent.At)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				status = COALESCE(NULLIF($2, ''), status),
				current_period_start = COALESCE($3, current_period_start),
				current_period_end = COALESCE($4, current_period_end),
				period_provisional = CASE WHEN $3::timestamptz IS NULL THEN period_provisional ELSE FALSE END,
				cancel_at_period_end = COALESCE($5, cancel_at_period_end),
				last_event_id = COALESCE($6, last_event_id),
				last_event_at = COALESCE($7, last_event_at),
				period_event_at = CASE WHEN $3::timestamptz IS NULL THEN period_event_at ELSE $9 END,
				cancel_flag_event_at = CASE WHEN $5::boolean IS NULL THEN cancel_flag_event_at ELSE $9 END,
				updated_at = $8
			WHERE id = $1`,
		subscriptionID, string(update.Status), periodStart, periodEnd, update.CancelAtPeriodEnd,
		lastEventID, lastEventAt, time.Now().UTC(), nullTime(update.EventAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrSubscriptionNotFound
	}
	return nil
}

// Seen implements account.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND expires_at > $2)`,
		eventID, time.Now().UTC()).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return seen, nil
}

// Record implements account.EventLedger
func (s *Storage) Record(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.config.EventTTL
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO UPDATE SET
				processed_at = EXCLUDED.processed_at,
				expires_at = EXCLUDED.expires_at`,
		eventID, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredEvents(ctx); err != nil {
				// Next tick retries.
				_ = err
			}
		}
	}
}

// cleanupExpiredEvents deletes expired processed event ids
func (s *Storage) cleanupExpiredEvents(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// Cleanup can be called manually to clean up expired records
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredEvents(ctx)
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
