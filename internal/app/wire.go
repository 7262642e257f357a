package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/optionsengine/internal/blob/s3"
	"github.com/alanyoungcy/optionsengine/internal/cache/redis"
	"github.com/alanyoungcy/optionsengine/internal/config"
	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
	"github.com/alanyoungcy/optionsengine/internal/platform/polygon"
	"github.com/alanyoungcy/optionsengine/internal/store/postgres"
)

// Dependencies bundles every infrastructure adapter the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Postgres-backed fields are nil in ingest mode; Archiver is nil unless the
// archive is enabled for the mode.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	S3       *s3blob.Client

	// Stores
	Accounts  domain.AccountStore
	Ledger    *postgres.Ledger
	Contracts domain.ContractStore
	Audit     domain.AuditStore

	// Redis adapters
	TickStream  *redis.TickStream
	TickHistory domain.TickHistory
	PriceCache  domain.PriceCache
	JobQueue    domain.JobQueue
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Upstream market data
	Polygon *polygon.Client

	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// needsPostgres reports whether a mode touches contracts or wallets.
func needsPostgres(mode string) bool {
	return mode != "ingest"
}

// runsArchive reports whether a mode hosts the archive job.
func runsArchive(mode string) bool {
	return mode == "full" || mode == "worker"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(prometheus.NewRegistry()),
	}

	// --- PostgreSQL ---
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
		deps.Postgres = pgClient
		deps.Accounts = postgres.NewAccountStore(pool)
		deps.Ledger = postgres.NewLedger(pool, decimal.NewFromFloat(cfg.Placement.DemoBalance))
		deps.Contracts = postgres.NewContractStore(pool, deps.Ledger)
		deps.Audit = postgres.NewAuditStore(pool)
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

	deps.Redis = redisClient
	deps.TickStream = redis.NewTickStream(redisClient, redis.TickStreamConfig{
		MaxLen: cfg.Redis.TickStreamLen,
		Block:  cfg.Gateway.ReadBlock.Duration,
	})
	deps.TickHistory = redis.NewTickHistory(redisClient, cfg.Redis.HistoryLen)
	// Latest prices expire with the settlement window; anything older is
	// resolved from second bars instead.
	deps.PriceCache = redis.NewPriceCache(redisClient, 10*cfg.Settlement.PriceWindow.Duration)
	deps.JobQueue = redis.NewJobQueue(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	deps.Polygon = polygon.NewClient(cfg.Polygon.RESTURL, cfg.Polygon.APIKey)

	// --- S3 archive ---
	if cfg.Archive.Enabled && runsArchive(cfg.Mode) {
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
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewOrderArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Contracts,
			deps.Audit,
			cfg.Archive.BatchSize,
		)
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
	// Flush in-flight alerts before the connections go away.
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}
