package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/polysettle/internal/blob/s3"
	"github.com/alanyoungcy/polysettle/internal/cache/redis"
	"github.com/alanyoungcy/polysettle/internal/config"
	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/ledger"
	"github.com/alanyoungcy/polysettle/internal/notify"
	"github.com/alanyoungcy/polysettle/internal/platform/adjudicator"
	"github.com/alanyoungcy/polysettle/internal/server/handler"
	"github.com/alanyoungcy/polysettle/internal/service"
	"github.com/alanyoungcy/polysettle/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Ledger      domain.Ledger
	MarketStore domain.MarketStore
	EventStore  domain.EventStore
	AuditStore  *postgres.AuditStore

	// Caches and coordination. All nil without Redis.
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage. Nil unless archival is enabled.
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Adjudicator domain.Adjudicator
	Notifier    *notify.Notifier
	Publisher   *service.Publisher
	Settlement  *service.SettlementService

	// Health probes keyed by dependency name.
	Checks map[string]handler.Check

	// Memory is set when the in-memory ledger backs the stores.
	Memory *ledger.Memory
}

// Wire constructs the concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Ledger and stores ---
	switch strings.ToLower(cfg.Ledger.Backend) {
	case "postgres":
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedger(pool)
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.EventStore = postgres.NewEventStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	default:
		mem := ledger.NewMemory()
		deps.Memory = mem
		deps.Ledger = mem
		deps.MarketStore = mem
		deps.EventStore = mem
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "wire: redis disabled, market locks are process-local")
	}

	// --- S3 archive (optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		var audit domain.AuditStore
		if deps.AuditStore != nil {
			audit = deps.AuditStore
		}
		deps.Archiver = s3blob.NewEventArchiver(
			deps.EventStore,
			s3blob.NewWriter(s3Client),
			reader,
			audit,
			logger,
			cfg.Archive.Batch,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Adjudicator ---
	switch strings.ToLower(cfg.Adjudicator.Kind) {
	case "http":
		deps.Adjudicator = adjudicator.NewHTTPClient(cfg.Adjudicator.BaseURL, cfg.Adjudicator.Timeout.Duration)
	default:
		deps.Adjudicator = adjudicator.NewStatic()
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

	// --- Settlement ---
	pubDeps := service.PublisherDeps{
		Bus:      deps.SignalBus,
		Cache:    deps.MarketCache,
		Markets:  deps.MarketStore,
		Notifier: deps.Notifier,
		Logger:   logger,
	}
	if deps.AuditStore != nil {
		pubDeps.Audit = deps.AuditStore
	}
	deps.Publisher = service.NewPublisher(pubDeps)

	deps.Settlement = service.NewSettlementService(service.SettlementConfig{
		Collateral:    common.HexToAddress(cfg.Fees.Collateral),
		FeeRecipient:  common.HexToAddress(cfg.Fees.Recipient),
		DefaultFeeBps: uint16(cfg.Fees.DefaultBps),
	}, service.SettlementDeps{
		Ledger:      deps.Ledger,
		Markets:     deps.MarketStore,
		Events:      deps.EventStore,
		Adjudicator: deps.Adjudicator,
		Locks:       deps.LockManager,
		Observer:    deps.Publisher,
		Notifier:    deps.Notifier,
		Logger:      logger,
	})

	return deps, cleanup, nil
}
