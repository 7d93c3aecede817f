// Command server runs the CropDrive billing service: the Stripe webhook
// receiver, the account API and the upload quota gate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cropdrive/opadvisor/config"
	"github.com/cropdrive/opadvisor/pkg/account"
	zerologadapter "github.com/cropdrive/opadvisor/pkg/account/logger/zerolog"
	accountprom "github.com/cropdrive/opadvisor/pkg/account/metrics/prometheus"
	"github.com/cropdrive/opadvisor/pkg/billing"
	billingprom "github.com/cropdrive/opadvisor/pkg/billing/metrics/prometheus"
	"github.com/cropdrive/opadvisor/pkg/billing/stripe"
	fsstore "github.com/cropdrive/opadvisor/storage/firestore"
	"github.com/cropdrive/opadvisor/storage/memory"
	pgstore "github.com/cropdrive/opadvisor/storage/postgres"
	redisstore "github.com/cropdrive/opadvisor/storage/redis"
)

const metricsNamespace = "opadvisor"

func main() {
	configPath := flag.String("config", os.Getenv("OPADVISOR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	accountLogger := zerologadapter.NewLogger(&logger)
	manager, err := account.NewManager(backend.store, account.Config{
		Metrics: accountprom.NewMetrics(reg, metricsNamespace),
		Logger:  accountLogger,
		Retry: account.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
		},
		CircuitBreakerConfig: &account.CircuitBreakerConfig{
			Enabled:          cfg.Retry.CircuitBreakerThreshold > 0,
			FailureThreshold: cfg.Retry.CircuitBreakerThreshold,
			ResetTimeout:     cfg.Retry.CircuitBreakerReset,
		},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Manager:               manager,
			Metrics:               billingprom.NewMetrics(reg, metricsNamespace),
			Logger:                accountLogger,
			EventLedger:           backend.ledger,
			StrictAcknowledgement: cfg.Stripe.StrictAcknowledgement,
			WebhookCallback: func(_ context.Context, event billing.WebhookEvent) error {
				if event.PreviousPlan != event.NewPlan && event.NewPlan != "" {
					logger.Info().
						Str("user_id", event.UserID).
						Str("from", string(event.PreviousPlan)).
						Str("to", string(event.NewPlan)).
						Msg("plan changed")
				}
				return nil
			},
		},
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		StripeAPIKey:        cfg.Stripe.APIKey,
		APIBaseURL:          cfg.Stripe.APIBaseURL,
		SignatureTolerance:  cfg.Stripe.SignatureTolerance,
		HandlerTimeout:      cfg.Stripe.HandlerTimeout,
		LedgerTTL:           cfg.Stripe.LedgerTTL,
		RateLimitRequests:   cfg.Stripe.RateLimitRequests,
		RateLimitWindow:     cfg.Stripe.RateLimitWindow,
	})
	if err != nil {
		return fmt.Errorf("create stripe provider: %w", err)
	}

	router, err := newRouter(routerDeps{
		manager:       manager,
		provider:      provider,
		userIDHeader:  cfg.Auth.UserIDHeader,
		internalToken: cfg.Auth.InternalToken,
		ping:          backend.ping,
		logger:        accountLogger,
	})
	if err != nil {
		return err
	}

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", apiServer.Addr).Str("storage", cfg.Storage.Driver).Msg("api server listening")
		return listen(apiServer)
	})
	g.Go(func() error {
		logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
		return listen(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "opadvisor").Logger()
}

// storageBackend is the configured store with its ledger and lifecycle hooks.
type storageBackend struct {
	store  account.Store
	ledger account.EventLedger
	ping   func(context.Context) error
	close  func()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storageBackend, error) {
	switch cfg.Storage.Driver {
	case config.DriverFirestore:
		client, err := gfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		store, err := fsstore.New(client, fsstore.Config{
			UsersCollection:         cfg.Firestore.UsersCollection,
			SubscriptionsCollection: cfg.Firestore.SubscriptionsCollection,
			EventsCollection:        cfg.Firestore.EventsCollection,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &storageBackend{
			store:  store,
			ledger: store,
			ping: func(ctx context.Context) error {
				_, err := client.Collection(cfg.Firestore.UsersCollection).Limit(1).Documents(ctx).GetAll()
				return err
			},
			close: func() { _ = client.Close() },
		}, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		store, err := redisstore.New(client, redisstore.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			EventTTL:  cfg.Stripe.LedgerTTL,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &storageBackend{
			store:  store,
			ledger: store,
			ping:   store.Ping,
			close:  func() { _ = store.Close() },
		}, nil

	case config.DriverPostgres:
		pgConfig := pgstore.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.DSN
		pgConfig.EventTTL = cfg.Stripe.LedgerTTL
		if cfg.Postgres.MaxConns > 0 {
			pgConfig.MaxConns = cfg.Postgres.MaxConns
		}
		store, err := pgstore.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return &storageBackend{
			store:  store,
			ledger: store,
			ping:   store.Ping,
			close:  store.Close,
		}, nil

	default:
		return &storageBackend{
			store:  memory.New(),
			ledger: memory.NewLedger(),
			ping:   func(context.Context) error { return nil },
			close:  func() {},
		}, nil
	}
}
