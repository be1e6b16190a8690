package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalogsync"
	jobmetrics "github.com/gastronom/gastronom/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// FeedSource yields the raw master export.
type FeedSource interface {
	Fetch(ctx context.Context) ([]catalog.RawRecord, error)
}

// BatchApplier reconciles a batch into the catalog.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, batch catalogsync.Batch) (catalogsync.Summary, error)
}

// CatalogSyncJob fetches the master export and applies it as one batch.
type CatalogSyncJob struct {
	Source     FeedSource
	Reconciler BatchApplier
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewCatalogSyncJob constructs the job handler.
func NewCatalogSyncJob(source FeedSource, reconciler BatchApplier, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogSyncJob {
	return &CatalogSyncJob{Source: source, Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle runs one sync. A degraded batch is not a job failure: the
// reconciler already raised the operator alert and retrying would not help.
func (j *CatalogSyncJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Source == nil || j.Reconciler == nil {
		return errors.New("catalog sync: dependencies not configured")
	}
	payload := CatalogSyncPayload{Source: "master"}
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("catalog sync: decode payload: %w", asynq.SkipRetry)
		}
	}
	complete := payload.Complete == nil || *payload.Complete

	tracker := metricsOrDefault(j.Metrics).Track(TaskCatalogSync)
	defer func() { resultErr = tracker.End(resultErr) }()

	logger := logWith(j.Logger, TaskCatalogSync).With(slog.String("source", payload.Source))
	records, err := j.Source.Fetch(ctx)
	if err != nil {
		logger.Error("fetch master export", slog.Any("error", err))
		return err
	}
	if len(records) == 0 {
		// An empty full export would retire the whole catalog.
		logger.Warn("master export is empty; nothing applied")
		return nil
	}

	summary, err := j.Reconciler.ApplyBatch(ctx, catalogsync.Batch{Records: records, Complete: complete, Source: payload.Source})
	if err != nil {
		logger.Error("apply catalog batch", slog.Any("error", err))
		return err
	}
	logger.Info("catalog sync job done",
		slog.Int("records", summary.Total),
		slog.Int("retired", summary.Retired),
		slog.Float64("failure_rate", summary.FailureRate),
		slog.Bool("degraded", summary.Degraded),
	)
	return nil
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func logWith(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
