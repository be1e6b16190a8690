package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gastronom/gastronom/internal/app"
	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/events"
	"github.com/gastronom/gastronom/internal/feed"
	"github.com/gastronom/gastronom/internal/inventory"
	jobmetrics "github.com/gastronom/gastronom/internal/jobs"
	"github.com/gastronom/gastronom/internal/observability"
	"github.com/gastronom/gastronom/internal/platform/cache"
	"github.com/gastronom/gastronom/internal/shared"
	"github.com/gastronom/gastronom/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	projections := inventory.NewProjectionCache(redisClient, cfg.ProjectionCacheTTL)
	catalogRepo := catalog.NewRepository(pool)
	inventoryRepo := inventory.NewRepository(pool)

	ledgerOpts := []inventory.LedgerOption{
		inventory.WithAudit(shared.NewAuditLogger(pool)),
		inventory.WithCache(projections),
		inventory.WithMetrics(metrics),
		inventory.WithLogger(logger),
	}
	syncOpts := []catalogsync.Option{
		catalogsync.WithInvalidator(projections),
		catalogsync.WithMetrics(metrics),
		catalogsync.WithLogger(logger),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(events.NewWriter(cfg.KafkaBrokers), events.Topics{
			Stock: cfg.KafkaTopicStock,
			Sync:  cfg.KafkaTopicSync,
		}, logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka close", slog.Any("error", err))
			}
		}()
		ledgerOpts = append(ledgerOpts, inventory.WithPublisher(publisher))
		syncOpts = append(syncOpts, catalogsync.WithAlerter(publisher))
	}
	ledger := inventory.NewLedger(inventoryRepo, catalogRepo, ledgerOpts...)
	reconciler := catalogsync.NewReconciler(catalogRepo, cfg.Sync(), syncOpts...)

	sweepJob := jobs.NewReservationSweepJob(inventoryRepo, ledger, logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, jobMetrics)

	sweepTask, err := jobs.NewReservationSweepTask(500)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(7 * 24 * time.Hour)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskReservationSweep, Handler: sweepJob.Handle},
		{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
	}
	cron := []jobs.CronRegistration{
		{Spec: cfg.SweepCron, Task: sweepTask},
		{Spec: "30 3 * * *", Task: cleanupTask},
	}

	if cfg.SyncFeedURL != "" {
		reader, err := feed.NewReader(cfg.SyncFeedEncoding, ';')
		if err != nil {
			logger.Error("init feed reader", slog.Any("error", err))
			os.Exit(1)
		}
		source := feed.NewHTTPSource(cfg.SyncFeedURL, reader, cfg.SyncFeedRPS, logger)
		syncJob := jobs.NewCatalogSyncJob(source, reconciler, logger, jobMetrics)
		syncTask, err := jobs.NewCatalogSyncTask("master", true)
		if err != nil {
			logger.Error("build sync task", slog.Any("error", err))
			os.Exit(1)
		}
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskCatalogSync, Handler: syncJob.Handle})
		cron = append(cron, jobs.CronRegistration{Spec: cfg.SyncCron, Task: syncTask})
	} else {
		logger.Warn("SYNC_FEED_URL not set; scheduled catalog sync is disabled")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.SyncWorkers,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

