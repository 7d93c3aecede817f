package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/pkg/billing"
	"github.com/cropdrive/opadvisor/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, Logger, EventLedger, etc.)

	// StripeWebhookSecret verifies the Stripe-Signature header. Without it every
	// delivery is answered with 500.
	StripeWebhookSecret string

	// StripeAPIKey is only needed for SyncSubscription.
	StripeAPIKey string

	// APIBaseURL overrides the Stripe API endpoint (tests, stripe-mock).
	APIBaseURL string

	// SignatureTolerance bounds the age of a signed timestamp (default 5m).
	SignatureTolerance time.Duration

	// HandlerTimeout bounds reconciliation of one delivery. Zero means no bound
	// beyond the store's own timeouts.
	HandlerTimeout time.Duration

	// LedgerTTL is how long processed event ids are remembered (default 72h).
	LedgerTTL time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager        *account.Manager
	config         Config
	httpClient     *http.Client
	rateLimiter    *internal.RateLimiter
	webhookSecret  []byte
	tolerance      time.Duration
	stripeClient   *stripe.Client
	ledger         account.EventLedger
	ledgerTTL      time.Duration
	handlerTimeout time.Duration
	metrics        billing.Metrics
	logger         account.Logger
	now            func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	var stripeClient *stripe.Client
	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
		if config.APIBaseURL != "" {
			backendConfig.URL = stripe.String(config.APIBaseURL)
		}
		stripeClient = stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))
	}

	tolerance := config.SignatureTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	ledgerTTL := config.LedgerTTL
	if ledgerTTL <= 0 {
		ledgerTTL = 72 * time.Hour
	}

	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &account.NoopLogger{}
	}

	return &Provider{
		manager:        config.Manager,
		config:         config,
		httpClient:     httpClient,
		rateLimiter:    internal.NewRateLimiter(requests, window),
		webhookSecret:  []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		tolerance:      tolerance,
		stripeClient:   stripeClient,
		ledger:         config.EventLedger,
		ledgerTTL:      ledgerTTL,
		handlerTimeout: config.HandlerTimeout,
		metrics:        metrics,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
