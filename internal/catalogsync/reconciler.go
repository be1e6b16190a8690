package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gastronom/gastronom/internal/catalog"
)

// Store is the catalog persistence the reconciler writes through.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, catalog.TxRepository) error) error
	RetireMissing(ctx context.Context, externalIDs, barcodes []string, at time.Time) ([]uuid.UUID, error)
}

// Alerter is notified about degraded batches.
type Alerter interface {
	PublishSyncDegraded(ctx context.Context, summary Summary) error
}

// Metrics receives per-record and per-batch outcomes.
type Metrics interface {
	ObserveSyncRecord(status string)
	ObserveSyncBatch(degraded bool, failureRate float64)
}

// Reconciler merges upstream records into the catalog.
type Reconciler struct {
	store       Store
	cfg         Config
	invalidator catalog.Invalidator
	alerter     Alerter
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises optional collaborators.
type Option func(*Reconciler)

// WithInvalidator drops cached projections of touched products.
func WithInvalidator(inv catalog.Invalidator) Option { return func(r *Reconciler) { r.invalidator = inv } }

// WithAlerter notifies operators about degraded batches.
func WithAlerter(a Alerter) Option { return func(r *Reconciler) { r.alerter = a } }

// WithMetrics reports outcomes.
func WithMetrics(m Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// NewReconciler builds Reconciler.
func NewReconciler(store Store, cfg Config, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DefaultBuffer.IsNegative() {
		cfg.DefaultBuffer = def.DefaultBuffer
	}
	r := &Reconciler{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// ApplyBatch reconciles every record independently. A failing record never
// blocks the others and nothing is rolled back batch-wide. Products missing
// from a complete batch are retired unless the batch is degraded.
func (r *Reconciler) ApplyBatch(ctx context.Context, batch Batch) (Summary, error) {
	summary := Summary{
		Source:    batch.Source,
		Complete:  batch.Complete,
		StartedAt: r.now(),
		Outcomes:  make([]Outcome, len(batch.Records)),
	}
	candidates := make([]catalog.Candidate, len(batch.Records))
	for i, raw := range batch.Records {
		candidates[i] = catalog.Normalize(raw)
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i := range candidates {
		g.Go(func() error {
			summary.Outcomes[i] = r.apply(ctx, i, candidates[i])
			return nil
		})
	}
	_ = g.Wait()

	summary.tally(r.cfg.FailureThreshold)
	touched := make([]uuid.UUID, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		if o.ProductID != nil && o.Changed {
			touched = append(touched, *o.ProductID)
		}
		if r.metrics != nil {
			r.metrics.ObserveSyncRecord(string(o.Status))
		}
	}

	var retireErr error
	switch {
	case ctx.Err() != nil:
		retireErr = ctx.Err()
	case batch.Complete && summary.Degraded:
		r.logger.Warn("catalog sync degraded; skipping retirement",
			slog.String("source", batch.Source), slog.Float64("failure_rate", summary.FailureRate))
	case batch.Complete:
		externalIDs, barcodes := seenKeys(candidates)
		retired, err := r.store.RetireMissing(ctx, externalIDs, barcodes, r.now())
		if err != nil {
			retireErr = fmt.Errorf("catalogsync: retire missing: %w", err)
		}
		summary.Retired = len(retired)
		touched = append(touched, retired...)
	}

	if r.invalidator != nil && len(touched) > 0 {
		if err := r.invalidator.Invalidate(ctx, touched...); err != nil {
			r.logger.Warn("projection invalidation failed", slog.Any("error", err))
		}
	}
	summary.FinishedAt = r.now()
	if r.metrics != nil {
		r.metrics.ObserveSyncBatch(summary.Degraded, summary.FailureRate)
	}
	if summary.Degraded && r.alerter != nil {
		if err := r.alerter.PublishSyncDegraded(ctx, summary); err != nil {
			r.logger.Error("publish sync degraded alert", slog.Any("error", err))
		}
	}
	r.logger.Info("catalog sync finished",
		slog.String("source", batch.Source),
		slog.Int("total", summary.Total),
		slog.Int("applied", summary.Applied),
		slog.Int("warned", summary.Warned),
		slog.Int("skipped", summary.Skipped),
		slog.Int("created", summary.Created),
		slog.Int("retired", summary.Retired),
		slog.Bool("degraded", summary.Degraded),
	)
	return summary, retireErr
}

// ApplyRecord upserts one record, as used by manual indexing calls.
// It never retires anything.
func (r *Reconciler) ApplyRecord(ctx context.Context, raw catalog.RawRecord) (Outcome, error) {
	outcome := r.apply(ctx, 0, catalog.Normalize(raw))
	if r.metrics != nil {
		r.metrics.ObserveSyncRecord(string(outcome.Status))
	}
	if outcome.ProductID != nil && outcome.Changed && r.invalidator != nil {
		_ = r.invalidator.Invalidate(ctx, *outcome.ProductID)
	}
	if outcome.Reason == ReasonInternal || outcome.Reason == ReasonCancelled {
		return outcome, fmt.Errorf("catalogsync: record not applied: %s", outcome.Reason)
	}
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, index int, c catalog.Candidate) Outcome {
	outcome := Outcome{Index: index, ExternalID: c.ExternalID, Barcode: c.Barcode}
	if ctx.Err() != nil {
		return skipped(outcome, ReasonCancelled)
	}
	if !c.HasKey() {
		return skipped(outcome, ReasonMissingKey)
	}
	for _, f := range c.Failures {
		outcome.Warnings = append(outcome.Warnings, f.String())
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var result Outcome
		err = r.store.WithTx(ctx, func(ctx context.Context, tx catalog.TxRepository) error {
			var txErr error
			result, txErr = r.upsert(ctx, tx, outcome, c)
			return txErr
		})
		if err == nil {
			return result
		}
		if !errors.Is(err, catalog.ErrDuplicate) {
			break
		}
	}

	var skip *skipError
	switch {
	case errors.As(err, &skip):
		return skipped(outcome, skip.reason)
	case errors.Is(err, catalog.ErrDuplicate):
		return skipped(outcome, ReasonDuplicateKey)
	case ctx.Err() != nil:
		return skipped(outcome, ReasonCancelled)
	default:
		r.logger.Error("catalog sync record failed",
			slog.Int("index", index), slog.String("external_id", c.ExternalID), slog.String("barcode", c.Barcode), slog.Any("error", err))
		return skipped(outcome, ReasonInternal)
	}
}

func (r *Reconciler) upsert(ctx context.Context, tx catalog.TxRepository, outcome Outcome, c catalog.Candidate) (Outcome, error) {
	now := r.now()
	stored, found, err := match(ctx, tx, c)
	if err != nil {
		return outcome, err
	}

	if !found {
		p, ok, err := build(c, r.cfg.DefaultBuffer)
		if err != nil {
			return outcome, &skipError{reason: ReasonInvalidUnits}
		}
		if !ok {
			return outcome, &skipError{reason: ReasonIncompleteNew}
		}
		if p.CategoryID, err = resolveCategory(ctx, tx, &outcome, c.Category, nil); err != nil {
			return outcome, err
		}
		p.ID = uuid.New()
		p.LastSyncedAt = &now
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := tx.Insert(ctx, p); err != nil {
			return outcome, err
		}
		outcome.ProductID = &p.ID
		outcome.Created = true
		outcome.Changed = true
		return finish(outcome), nil
	}

	next, err := merge(stored, c)
	if err != nil {
		return outcome, &skipError{reason: ReasonInvalidUnits}
	}
	if next.CategoryID, err = resolveCategory(ctx, tx, &outcome, c.Category, stored.CategoryID); err != nil {
		return outcome, err
	}
	if stored.RetiredBySync {
		next.IsAvailable = true
		next.RetiredBySync = false
		outcome.Restored = true
	}
	outcome.ProductID = &stored.ID
	if sameContent(stored, next) {
		if err := tx.TouchSynced(ctx, stored.ID, now); err != nil {
			return outcome, err
		}
		return finish(outcome), nil
	}
	next.LastSyncedAt = &now
	next.UpdatedAt = now
	if err := tx.Update(ctx, next); err != nil {
		return outcome, err
	}
	outcome.Changed = true
	return finish(outcome), nil
}

// resolveCategory maps the upstream category name to an existing category.
// Unknown names keep the current assignment and add a warning.
func resolveCategory(ctx context.Context, tx catalog.TxRepository, outcome *Outcome, name string, current *uuid.UUID) (*uuid.UUID, error) {
	if name == "" {
		return current, nil
	}
	id, err := tx.FindCategoryByName(ctx, name)
	if errors.Is(err, catalog.ErrNotFound) {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("category: unknown %q, kept current", name))
		return current, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// match looks up by external id first and falls back to barcode. A barcode
// hit that carries a different external id is a conflict, not a match.
func match(ctx context.Context, tx catalog.TxRepository, c catalog.Candidate) (catalog.Product, bool, error) {
	if c.ExternalID != "" {
		p, err := tx.FindByExternalIDForUpdate(ctx, c.ExternalID)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return catalog.Product{}, false, err
		}
	}
	if c.Barcode == "" {
		return catalog.Product{}, false, nil
	}
	p, err := tx.FindByBarcodeForUpdate(ctx, c.Barcode)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.Product{}, false, nil
	}
	if err != nil {
		return catalog.Product{}, false, err
	}
	if c.ExternalID != "" && p.ExternalID != "" && p.ExternalID != c.ExternalID {
		return catalog.Product{}, false, &skipError{reason: ReasonBarcodeConflict}
	}
	return p, true, nil
}

type skipError struct {
	reason string
}

func (e *skipError) Error() string { return "catalogsync: skipped: " + e.reason }

func skipped(o Outcome, reason string) Outcome {
	o.Status = StatusSkipped
	o.Reason = reason
	o.ProductID = nil
	o.Created, o.Changed, o.Restored = false, false, false
	return o
}

func finish(o Outcome) Outcome {
	if len(o.Warnings) > 0 {
		o.Status = StatusAppliedWithWarnings
	} else {
		o.Status = StatusApplied
	}
	return o
}

func seenKeys(candidates []catalog.Candidate) ([]string, []string) {
	externalIDs := make([]string, 0, len(candidates))
	barcodes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ExternalID != "" {
			externalIDs = append(externalIDs, c.ExternalID)
		}
		if c.Barcode != "" {
			barcodes = append(barcodes, c.Barcode)
		}
	}
	return externalIDs, barcodes
}
