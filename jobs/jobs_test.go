package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalog/catalogtest"
	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/inventory"
	jobmetrics "github.com/gastronom/gastronom/internal/jobs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSource struct {
	records []catalog.RawRecord
	err     error
}

func (s stubSource) Fetch(context.Context) ([]catalog.RawRecord, error) {
	return s.records, s.err
}

func syncTask(t *testing.T, complete bool) *asynq.Task {
	t.Helper()
	task, err := NewCatalogSyncTask("master", complete)
	require.NoError(t, err)
	return task
}

func TestCatalogSyncJobAppliesFullExport(t *testing.T) {
	repo := catalogtest.NewMemoryRepo()
	old := repo.Put(catalog.Product{ExternalID: "gone", Name: "Old", IsAvailable: true})
	reconciler := catalogsync.NewReconciler(repo, catalogsync.DefaultConfig(), catalogsync.WithLogger(discardLogger()))
	source := stubSource{records: []catalog.RawRecord{
		{"prodid": "p-1", "shorttext": "Bread", "selling_unit": "piece", "pricing_unit": "piece", "price": "2,49", "stock": "10"},
	}}
	job := NewCatalogSyncJob(source, reconciler, discardLogger(), jobmetrics.NewMetrics(nil))

	require.NoError(t, job.Handle(context.Background(), syncTask(t, true)))

	created, ok := repo.ByExternalID("p-1")
	require.True(t, ok)
	assert.Equal(t, "2.49", created.SyncedPrice.String())

	retired, ok := repo.Product(old.ID)
	require.True(t, ok)
	assert.False(t, retired.IsAvailable)
	assert.True(t, retired.RetiredBySync)
}

func TestCatalogSyncJobPartialExportKeepsMissingProducts(t *testing.T) {
	repo := catalogtest.NewMemoryRepo()
	old := repo.Put(catalog.Product{ExternalID: "kept", Name: "Kept", IsAvailable: true})
	reconciler := catalogsync.NewReconciler(repo, catalogsync.DefaultConfig(), catalogsync.WithLogger(discardLogger()))
	source := stubSource{records: []catalog.RawRecord{
		{"prodid": "p-1", "shorttext": "Bread", "selling_unit": "piece", "pricing_unit": "piece", "price": "2.49", "stock": "10"},
	}}
	job := NewCatalogSyncJob(source, reconciler, discardLogger(), nil)

	require.NoError(t, job.Handle(context.Background(), syncTask(t, false)))

	kept, ok := repo.Product(old.ID)
	require.True(t, ok)
	assert.True(t, kept.IsAvailable)
}

func TestCatalogSyncJobEmptyExportRetiresNothing(t *testing.T) {
	repo := catalogtest.NewMemoryRepo()
	old := repo.Put(catalog.Product{ExternalID: "kept", Name: "Kept", IsAvailable: true})
	reconciler := catalogsync.NewReconciler(repo, catalogsync.DefaultConfig())
	job := NewCatalogSyncJob(stubSource{}, reconciler, discardLogger(), nil)

	require.NoError(t, job.Handle(context.Background(), syncTask(t, true)))

	kept, _ := repo.Product(old.ID)
	assert.True(t, kept.IsAvailable)
}

func TestCatalogSyncJobFetchFailure(t *testing.T) {
	reconciler := catalogsync.NewReconciler(catalogtest.NewMemoryRepo(), catalogsync.DefaultConfig())
	boom := errors.New("upstream down")
	job := NewCatalogSyncJob(stubSource{err: boom}, reconciler, discardLogger(), nil)

	err := job.Handle(context.Background(), syncTask(t, true))
	require.ErrorIs(t, err, boom)
}

func TestCatalogSyncJobBadPayloadSkipsRetry(t *testing.T) {
	reconciler := catalogsync.NewReconciler(catalogtest.NewMemoryRepo(), catalogsync.DefaultConfig())
	job := NewCatalogSyncJob(stubSource{}, reconciler, discardLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskCatalogSync, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type staleLister struct {
	stale []inventory.StaleReservation
}

func (l staleLister) ListStaleReservations(context.Context, int) ([]inventory.StaleReservation, error) {
	return l.stale, nil
}

type recordingSettler struct {
	released  []uuid.UUID
	committed []uuid.UUID
	failFor   uuid.UUID
}

func (s *recordingSettler) ReleaseOrder(_ context.Context, id uuid.UUID) error {
	if id == s.failFor {
		return errors.New("locked")
	}
	s.released = append(s.released, id)
	return nil
}

func (s *recordingSettler) CommitOrder(_ context.Context, id uuid.UUID) error {
	if id == s.failFor {
		return errors.New("locked")
	}
	s.committed = append(s.committed, id)
	return nil
}

func stale(orderID uuid.UUID, status string) inventory.StaleReservation {
	return inventory.StaleReservation{
		Reservation: inventory.Reservation{ID: uuid.New(), OrderID: orderID, ProductID: uuid.New()},
		OrderStatus: status,
	}
}

func TestReservationSweepSettlesByOrderStatus(t *testing.T) {
	cancelled, delivered := uuid.New(), uuid.New()
	lister := staleLister{stale: []inventory.StaleReservation{
		stale(cancelled, "cancelled"),
		stale(cancelled, "cancelled"),
		stale(delivered, "delivered"),
	}}
	settler := &recordingSettler{}
	job := NewReservationSweepJob(lister, settler, discardLogger(), jobmetrics.NewMetrics(nil))

	task, err := NewReservationSweepTask(100)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, []uuid.UUID{cancelled}, settler.released)
	assert.Equal(t, []uuid.UUID{delivered}, settler.committed)
}

func TestReservationSweepContinuesPastFailures(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	lister := staleLister{stale: []inventory.StaleReservation{
		stale(first, "cancelled"),
		stale(second, "cancelled"),
	}}
	settler := &recordingSettler{failFor: first}
	job := NewReservationSweepJob(lister, settler, discardLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskReservationSweep, nil))
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{second}, settler.released)
}

type recordingCleaner struct {
	olderThan time.Duration
}

func (c *recordingCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	c.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	cleaner := &recordingCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, discardLogger(), nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, defaultIdempotencyRetention, cleaner.olderThan)

	task, err := NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Hour, cleaner.olderThan)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueCritical, Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeInspector struct{}

func (fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if queue == QueueDefault {
		return nil, asynq.ErrQueueNotFound
	}
	return &asynq.QueueInfo{Queue: queue, Pending: 2}, nil
}

func newJobsServer(t *testing.T, enq *fakeEnqueuer) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{}, NewClientWith(enq), discardLogger()).MountRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerTriggerSync(t *testing.T) {
	enq := &fakeEnqueuer{}
	srv := newJobsServer(t, enq)

	resp, err := http.Post(srv.URL+"/jobs/catalog-sync", "application/json", strings.NewReader(`{"source":"nightly","complete":false}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, enq.tasks, 1)
	var payload CatalogSyncPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, "nightly", payload.Source)
	require.NotNil(t, payload.Complete)
	assert.False(t, *payload.Complete)
}

func TestHandlerTriggerSyncDuplicate(t *testing.T) {
	srv := newJobsServer(t, &fakeEnqueuer{err: asynq.ErrDuplicateTask})

	resp, err := http.Post(srv.URL+"/jobs/catalog-sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlerHealth(t *testing.T) {
	srv := newJobsServer(t, &fakeEnqueuer{})

	resp, err := http.Get(srv.URL + "/jobs/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, queueHealth{Queue: QueueCritical, Pending: 2}, body.Queues[0])
	assert.Equal(t, queueHealth{Queue: QueueDefault}, body.Queues[1])
}
