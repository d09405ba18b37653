package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_tracker/internal/billing"
	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/database"
	"github.com/ncecere/usage_tracker/internal/health"
	"github.com/ncecere/usage_tracker/internal/locks"
	"github.com/ncecere/usage_tracker/internal/observability"
	"github.com/ncecere/usage_tracker/internal/queue"
	"github.com/ncecere/usage_tracker/internal/redisclient"
	"github.com/ncecere/usage_tracker/internal/services/aggregation"
	"github.com/ncecere/usage_tracker/internal/services/registry"
	usageService "github.com/ncecere/usage_tracker/internal/services/usage"
	"github.com/ncecere/usage_tracker/internal/services/usagepipeline"
	"github.com/ncecere/usage_tracker/internal/store"
)

// Container aggregates runtime dependencies shared by the daemons and tools.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Store         *store.Store
	Queue         *queue.Queue
	Registry      *registry.Service
	Locker        *locks.Locker
	Usage         *usageService.Service
	HealthMon     *health.Monitor
	Observability *observability.Provider
}

// NewContainer builds a dependency container from the provided primitives.
// serviceName labels traces and metrics.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, serviceName string, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	obsProvider, err := observability.Setup(ctx, cfg.Observability, serviceName)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	st := store.NewFromPool(pool)
	q := queue.New(redisClient, cfg.Queue)

	monitor := health.NewMonitor(cfg.Health, logger, obsProvider).
		Register("postgres", pool.Ping).
		Register("redis", func(ctx context.Context) error {
			return redisclient.Ping(ctx, redisClient)
		}).
		WithQueueDepth(q.Len)

	return &Container{
		Config:        cfg,
		Logger:        logger,
		DBPool:        pool,
		Redis:         redisClient,
		Store:         st,
		Queue:         q,
		Registry:      registry.NewService(st, cfg.Registry.CacheTTL),
		Locker:        locks.NewLocker(redisClient),
		Usage:         usageService.NewService(st),
		HealthMon:     monitor,
		Observability: obsProvider,
	}, nil
}

// Open runs pending migrations, connects Postgres and Redis, and builds the
// container. The returned close func releases both connections.
func Open(ctx context.Context, cfg *config.Config, serviceName string, logger *slog.Logger) (*Container, func(), error) {
	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	container, err := NewContainer(ctx, cfg, pool, redisClient, serviceName, logger)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = redisClient.Close()
		pool.Close()
	}
	return container, closeFn, nil
}

// Processor builds the event processor over the container's store and registry.
func (c *Container) Processor() *usagepipeline.Processor {
	return usagepipeline.NewProcessor(c.Store, c.Registry, billing.NewEngine(), usagepipeline.Options{
		MaxRetries:        c.Config.Processor.MaxRetries,
		DeadLetterInvalid: c.Config.Processor.DeadLetterInvalid,
	}, c.Logger, c.Observability)
}

// Aggregator builds the aggregation engine, lease-elected through Redis.
func (c *Container) Aggregator() *aggregation.Engine {
	return aggregation.NewEngine(c.Store, c.Registry, c.Config.Aggregation, c.Logger, c.Observability).
		WithLocker(c.Locker)
}

// Shutdown flushes telemetry. Pool and client lifetimes stay with the caller.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Shutdown(ctx)
}
