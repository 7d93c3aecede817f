// Package config loads the service configuration from an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type StripeConfig struct {
	WebhookSecret         string        `mapstructure:"webhook_secret"`
	APIKey                string        `mapstructure:"api_key"`
	APIBaseURL            string        `mapstructure:"api_base_url"`
	SignatureTolerance    time.Duration `mapstructure:"signature_tolerance"`
	HandlerTimeout        time.Duration `mapstructure:"handler_timeout"`
	StrictAcknowledgement bool          `mapstructure:"strict_acknowledgement"`
	LedgerTTL             time.Duration `mapstructure:"ledger_ttl"`
	RateLimitRequests     int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow       time.Duration `mapstructure:"rate_limit_window"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type FirestoreConfig struct {
	ProjectID               string `mapstructure:"project_id"`
	UsersCollection         string `mapstructure:"users_collection"`
	SubscriptionsCollection string `mapstructure:"subscriptions_collection"`
	EventsCollection        string `mapstructure:"events_collection"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// AuthConfig names where the authenticated user id is read from. The identity
// system in front of the service sets it.
type AuthConfig struct {
	UserIDHeader string `mapstructure:"user_id_header"`
	// InternalToken guards the resync endpoint; empty disables the endpoint.
	InternalToken string `mapstructure:"internal_token"`
}

type RetryConfig struct {
	MaxAttempts             int           `mapstructure:"max_attempts"`
	Backoff                 time.Duration `mapstructure:"backoff"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerReset     time.Duration `mapstructure:"circuit_breaker_reset"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.api_base_url", "")
	v.SetDefault("stripe.signature_tolerance", 5*time.Minute)
	v.SetDefault("stripe.handler_timeout", 0)
	v.SetDefault("stripe.strict_acknowledgement", false)
	v.SetDefault("stripe.ledger_ttl", 72*time.Hour)
	v.SetDefault("stripe.rate_limit_requests", 100)
	v.SetDefault("stripe.rate_limit_window", time.Minute)

	v.SetDefault("storage.driver", DriverMemory)

	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.users_collection", "users")
	v.SetDefault("firestore.subscriptions_collection", "subscriptions")
	v.SetDefault("firestore.events_collection", "stripe_events")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "opadvisor:")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("auth.user_id_header", "X-User-ID")
	v.SetDefault("auth.internal_token", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", 100*time.Millisecond)
	v.SetDefault("retry.circuit_breaker_threshold", 5)
	v.SetDefault("retry.circuit_breaker_reset", 30*time.Second)
}

// Load reads configPath when it is non-empty, then applies environment
// overrides: stripe.webhook_secret is read from STRIPE_WEBHOOK_SECRET.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate fails fast on settings the service cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Stripe.WebhookSecret) == "" {
		return errors.New("stripe.webhook_secret is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("firestore.project_id is required for the firestore driver")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis driver")
		}
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Auth.UserIDHeader == "" {
		return errors.New("auth.user_id_header is required")
	}
	return nil
}
