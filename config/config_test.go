package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Stripe.SignatureTolerance)
	assert.Equal(t, 72*time.Hour, cfg.Stripe.LedgerTTL)
	assert.Equal(t, 100, cfg.Stripe.RateLimitRequests)
	assert.Equal(t, "users", cfg.Firestore.UsersCollection)
	assert.Equal(t, "opadvisor:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "X-User-ID", cfg.Auth.UserIDHeader)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.Stripe.StrictAcknowledgement)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
stripe:
  webhook_secret: whsec_file
  handler_timeout: 8s
  strict_acknowledgement: true
storage:
  driver: redis
redis:
  addr: redis:6379
`), 0o600))

	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 8*time.Second, cfg.Stripe.HandlerTimeout)
	assert.True(t, cfg.Stripe.StrictAcknowledgement)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Stripe.WebhookSecret = "whsec_test"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing webhook secret", func(c *Config) { c.Stripe.WebhookSecret = "  " }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"firestore without project", func(c *Config) { c.Storage.Driver = DriverFirestore }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"redis without addr", func(c *Config) {
			c.Storage.Driver = DriverRedis
			c.Redis.Addr = ""
		}},
		{"no user id header", func(c *Config) { c.Auth.UserIDHeader = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
