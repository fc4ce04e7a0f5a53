package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/quantfolio/rebalancer/internal/blob/s3"
	"github.com/quantfolio/rebalancer/internal/broker/alpaca"
	"github.com/quantfolio/rebalancer/internal/cache/redis"
	"github.com/quantfolio/rebalancer/internal/config"
	"github.com/quantfolio/rebalancer/internal/domain"
	"github.com/quantfolio/rebalancer/internal/execution"
	"github.com/quantfolio/rebalancer/internal/metrics"
	"github.com/quantfolio/rebalancer/internal/notify"
	"github.com/quantfolio/rebalancer/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Broker access. Nil in monitor mode, which never talks to the broker.
	Broker domain.BrokerClient

	// Stores. Nil outside rebalance mode.
	Executions domain.ExecutionStore
	Audit      domain.AuditStore

	// Caches and coordination.
	Prices      domain.PriceCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.EventBus

	// Cold storage for result archives. Nil unless S3 is enabled.
	Archiver execution.ResultArchiver

	// Notifications and metrics.
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// needsPostgres returns true for modes that persist execution results.
func needsPostgres(mode string) bool {
	return mode == "rebalance"
}

// needsBroker returns true for modes that call the brokerage API.
func needsBroker(mode string) bool {
	switch mode {
	case "rebalance", "validate":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	// --- Broker (only for modes that trade or validate) ---
	if needsBroker(cfg.Mode) {
		broker, err := alpaca.New(alpaca.Config{
			BaseURL:   cfg.Broker.BaseURL,
			DataURL:   cfg.Broker.DataURL,
			StreamURL: cfg.Broker.StreamURL,
			APIKey:    cfg.Broker.ApiKey,
			APISecret: cfg.Broker.ApiSecret,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: broker: %w", err)
		}
		deps.Broker = broker
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewQuoteCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewEventBus(redisClient)

	// --- PostgreSQL (only for modes that persist results) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Executions = postgres.NewExecutionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	}

	// --- S3 blob storage for result archives ---
	if cfg.S3.Enabled && needsPostgres(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
