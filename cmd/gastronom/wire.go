package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gastronom/gastronom/internal/app"
	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/events"
	"github.com/gastronom/gastronom/internal/inventory"
	"github.com/gastronom/gastronom/internal/observability"
	"github.com/gastronom/gastronom/internal/orders"
	"github.com/gastronom/gastronom/internal/platform/cache"
	"github.com/gastronom/gastronom/internal/shared"
)

// services is the wired domain graph shared by the HTTP server and the CLI.
type services struct {
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher *events.KafkaPublisher
	metrics   *observability.Metrics

	catalog    *catalog.Service
	ledger     *inventory.Ledger
	reconciler *catalogsync.Reconciler
	orders     *orders.Service
}

func buildServices(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*services, error) {
	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		pool.Close()
		return nil, err
	}

	s := &services{pool: pool, redis: redisClient, metrics: observability.NewMetrics()}

	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)
	projections := inventory.NewProjectionCache(redisClient, cfg.ProjectionCacheTTL)

	catalogRepo := catalog.NewRepository(pool)
	s.catalog = catalog.NewService(catalogRepo, auditLogger, projections)

	ledgerOpts := []inventory.LedgerOption{
		inventory.WithAudit(auditLogger),
		inventory.WithCache(projections),
		inventory.WithMetrics(s.metrics),
		inventory.WithLogger(logger),
	}
	syncOpts := []catalogsync.Option{
		catalogsync.WithInvalidator(projections),
		catalogsync.WithMetrics(s.metrics),
		catalogsync.WithLogger(logger),
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = events.NewKafkaPublisher(events.NewWriter(cfg.KafkaBrokers), events.Topics{
			Stock: cfg.KafkaTopicStock,
			Sync:  cfg.KafkaTopicSync,
		}, logger)
		ledgerOpts = append(ledgerOpts, inventory.WithPublisher(s.publisher))
		syncOpts = append(syncOpts, catalogsync.WithAlerter(s.publisher))
	} else {
		logger.Warn("KAFKA_BROKERS not set; stock events and sync alerts are disabled")
	}

	s.ledger = inventory.NewLedger(inventory.NewRepository(pool), catalogRepo, ledgerOpts...)
	s.reconciler = catalogsync.NewReconciler(catalogRepo, cfg.Sync(), syncOpts...)
	s.orders = orders.NewService(orders.NewRepository(pool), catalogRepo, s.ledger, cfg.Orders(),
		orders.WithIdempotency(idempotency),
		orders.WithAudit(auditLogger),
		orders.WithMetrics(s.metrics),
		orders.WithLogger(logger),
	)
	return s, nil
}

func (s *services) ready(ctx context.Context) error {
	return errors.Join(s.pool.Ping(ctx), s.redis.Ping(ctx).Err())
}

func (s *services) close(logger *slog.Logger) {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			logger.Warn("kafka close", slog.Any("error", err))
		}
	}
	if err := s.redis.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	s.pool.Close()
}
