package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries catalog sync runs.
	QueueCritical = "critical"

	// TaskCatalogSync pulls the master export and reconciles it.
	TaskCatalogSync = "catalog:sync"
	// TaskReservationSweep settles reservations left behind by terminal orders.
	TaskReservationSweep = "inventory:reservation_sweep"
	// TaskIdempotencyCleanup removes expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// CatalogSyncPayload configures one sync run.
type CatalogSyncPayload struct {
	Source string `json:"source"`
	// Complete declares the export is the full catalog. Defaults to true.
	Complete *bool `json:"complete,omitempty"`
}

// NewCatalogSyncTask builds a sync task. Only one run per source may be
// queued at a time.
func NewCatalogSyncTask(source string, complete bool) (*asynq.Task, error) {
	if source == "" {
		source = "master"
	}
	body, err := json.Marshal(CatalogSyncPayload{Source: source, Complete: &complete})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCatalogSync, body,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Unique(10*time.Minute),
	), nil
}

// ReservationSweepPayload limits one sweep run.
type ReservationSweepPayload struct {
	Limit int `json:"limit"`
}

// NewReservationSweepTask builds a sweep task.
func NewReservationSweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(ReservationSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// IdempotencyCleanupPayload sets the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
