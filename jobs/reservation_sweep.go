package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/gastronom/gastronom/internal/inventory"
	jobmetrics "github.com/gastronom/gastronom/internal/jobs"
)

// StaleReservationLister finds reservations held by terminal orders.
type StaleReservationLister interface {
	ListStaleReservations(ctx context.Context, limit int) ([]inventory.StaleReservation, error)
}

// ReservationSettler ends reservations through the ledger.
type ReservationSettler interface {
	ReleaseOrder(ctx context.Context, orderID uuid.UUID) error
	CommitOrder(ctx context.Context, orderID uuid.UUID) error
}

// ReservationSweepJob settles reservations whose order reached a terminal
// status but whose settle step failed after the status commit.
type ReservationSweepJob struct {
	Repo    StaleReservationLister
	Ledger  ReservationSettler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReservationSweepJob constructs the job handler.
func NewReservationSweepJob(repo StaleReservationLister, ledger ReservationSettler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationSweepJob {
	return &ReservationSweepJob{Repo: repo, Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle settles one page of stale reservations, one order at a time.
func (j *ReservationSweepJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Repo == nil || j.Ledger == nil {
		return errors.New("reservation sweep: dependencies not configured")
	}
	var payload ReservationSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("reservation sweep: decode payload: %w", asynq.SkipRetry)
		}
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskReservationSweep)
	defer func() { resultErr = tracker.End(resultErr) }()

	logger := logWith(j.Logger, TaskReservationSweep)
	stale, err := j.Repo.ListStaleReservations(ctx, payload.Limit)
	if err != nil {
		logger.Error("list stale reservations", slog.Any("error", err))
		return err
	}

	byOrder := make(map[uuid.UUID]string)
	count := make(map[uuid.UUID]int)
	var order []uuid.UUID
	for _, s := range stale {
		if _, ok := byOrder[s.OrderID]; !ok {
			order = append(order, s.OrderID)
		}
		byOrder[s.OrderID] = s.OrderStatus
		count[s.OrderID]++
	}

	var failed error
	released, committed := 0, 0
	for _, orderID := range order {
		var err error
		switch byOrder[orderID] {
		case "cancelled":
			err = j.Ledger.ReleaseOrder(ctx, orderID)
			if err == nil {
				released += count[orderID]
			}
		case "delivered":
			err = j.Ledger.CommitOrder(ctx, orderID)
			if err == nil {
				committed += count[orderID]
			}
		default:
			continue
		}
		if err != nil {
			logger.Error("settle order reservations", slog.String("order_id", orderID.String()), slog.Any("error", err))
			failed = errors.Join(failed, err)
		}
	}
	metrics.AddSwept("released", released)
	metrics.AddSwept("committed", committed)
	if released+committed > 0 {
		logger.Info("swept stale reservations", slog.Int("released", released), slog.Int("committed", committed))
	}
	return failed
}
