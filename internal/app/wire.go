package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/spotengine/internal/blob/s3"
	"github.com/alanyoungcy/spotengine/internal/cache/redis"
	"github.com/alanyoungcy/spotengine/internal/config"
	"github.com/alanyoungcy/spotengine/internal/domain"
	"github.com/alanyoungcy/spotengine/internal/ledger"
	"github.com/alanyoungcy/spotengine/internal/market"
	"github.com/alanyoungcy/spotengine/internal/position"
	"github.com/alanyoungcy/spotengine/internal/queue"
	"github.com/alanyoungcy/spotengine/internal/queue/kafka"
	"github.com/alanyoungcy/spotengine/internal/server/handler"
	"github.com/alanyoungcy/spotengine/internal/snapshot"
	"github.com/alanyoungcy/spotengine/internal/store/postgres"
)

// Dependencies bundles every collaborator the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional adapters are nil when their section is disabled.
type Dependencies struct {
	Registry *market.Registry

	// Hot state
	BalanceStore  domain.BalanceStore
	PositionStore domain.PositionStore

	// Messaging
	Publisher domain.Publisher
	Events    domain.EventQueue
	Commands  domain.CommandSource
	Trades    domain.TradeCache
	EventLog  *redis.EventStream

	// Recovery
	Snapshots        *snapshot.Store
	DurableSnapshots *postgres.SnapshotStore

	Lock   *redis.InstanceLock
	Checks map[string]handler.Check
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Registry:      market.NewRegistry(logger),
		BalanceStore:  ledger.NewMemoryStore(),
		PositionStore: position.NewMemoryStore(),
		Checks:        make(map[string]handler.Check),
	}
	snapCfg := snapshot.Config{Dir: cfg.Engine.SnapshotDir}
	var queues []domain.EventQueue

	// --- Markets from config ---
	seeded := make([]domain.MarketConfig, 0, len(cfg.Markets))
	for _, entry := range cfg.Markets {
		m, err := entry.MarketConfig()
		if err != nil {
			return fail(fmt.Errorf("wire: markets: %w", err))
		}
		if err := deps.Registry.Register(m); err != nil {
			return fail(fmt.Errorf("wire: markets: %w", err))
		}
		seeded = append(seeded, m)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
		marketStore := postgres.NewMarketStore(pool)
		if len(seeded) > 0 {
			if err := marketStore.UpsertBatch(ctx, seeded); err != nil {
				return fail(fmt.Errorf("wire: seed markets: %w", err))
			}
		}
		n, err := deps.Registry.LoadFrom(ctx, marketStore)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		logger.InfoContext(ctx, "wire: loaded reference markets", slog.Int("count", n))

		deps.DurableSnapshots = postgres.NewSnapshotStore(pool)
		snapCfg.Durable = deps.DurableSnapshots
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		if cfg.Ledger.Backend == "redis" {
			deps.BalanceStore = redis.NewBalanceStore(redisClient)
			deps.PositionStore = redis.NewPositionStore(redisClient)
		}
		deps.Publisher = redis.NewSignalBus(redisClient)
		deps.Commands = redis.NewCommandQueue(redisClient, cfg.Engine.InboundQueue)
		deps.Trades = redis.NewTradeCache(redisClient, cfg.Engine.RecentTrades)
		deps.EventLog = redis.NewEventStream(redisClient, cfg.Engine.EventStream)
		queues = append(queues, deps.EventLog)
		snapCfg.KV = redis.NewSnapshotKV(redisClient)
		if cfg.Engine.LockTTL.Duration > 0 {
			deps.Lock = redis.NewInstanceLock(redisClient, "engine", cfg.Engine.LockTTL.Duration)
		}
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Kafka mirror ---
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		closers = append(closers, func() {
			if err := producer.Close(); err != nil {
				logger.Warn("wire: kafka close", slog.String("error", err.Error()))
			}
		})
		queues = append(queues, producer)
	}
	if len(queues) > 0 {
		deps.Events = queue.NewFanout(queues...)
	}

	// --- S3 snapshot archive ---
	if cfg.S3.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		reader := s3blob.NewReader(s3Client)
		snapCfg.ArchiveWriter = s3blob.NewWriter(s3Client)
		snapCfg.ArchiveReader = reader
		snapCfg.ArchivePruner = reader
		snapCfg.ArchiveEvery = cfg.S3.ArchiveEvery
		snapCfg.ArchiveKeep = cfg.S3.ArchiveKeep
		snapCfg.ArchivePrefix = cfg.S3.Prefix
		deps.Checks["s3"] = s3Client.Health
	}

	deps.Snapshots = snapshot.New(snapCfg, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("ledger_backend", cfg.Ledger.Backend),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Bool("kafka", cfg.Kafka.Enabled),
		slog.Int("markets", len(deps.Registry.Symbols())),
	)
	return deps, cleanup, nil
}
