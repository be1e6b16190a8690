package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalog/catalogtest"
	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/feed"
	"github.com/gastronom/gastronom/jobs"
)

func writeExport(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestImporterAppliesFileExport(t *testing.T) {
	path := writeExport(t, "prodid;shorttext;selling_unit;pricing_unit;price;stock\n"+
		"p-1;Bread;piece;piece;2,49;10\n"+
		"p-2;;piece;piece;1,00;3\n")
	reader, err := feed.NewReader("utf-8", ';')
	require.NoError(t, err)

	repo := catalogtest.NewMemoryRepo()
	kept := repo.Put(catalog.Product{ExternalID: "p-9", Name: "Kept", IsAvailable: true})
	var out bytes.Buffer
	importer := NewImporter(catalogsync.NewReconciler(repo, catalogsync.DefaultConfig()), &out)

	summary, err := importer.Import(context.Background(), feed.NewFileSource(path, reader), "file", false)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Retired)
	p, ok := repo.Product(kept.ID)
	require.True(t, ok)
	assert.True(t, p.IsAvailable)
	assert.Contains(t, out.String(), "skip #1")
}

type emptySource struct{}

func (emptySource) Fetch(context.Context) ([]catalog.RawRecord, error) { return nil, nil }

func TestImporterRejectsEmptyExport(t *testing.T) {
	importer := NewImporter(catalogsync.NewReconciler(catalogtest.NewMemoryRepo(), catalogsync.DefaultConfig()), nil)
	_, err := importer.Import(context.Background(), emptySource{}, "file", true)
	require.ErrorIs(t, err, ErrEmptyImport)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t", Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeInspector struct{}

func (fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if queue == jobs.QueueCritical {
		return &asynq.QueueInfo{Queue: queue, Pending: 1, Scheduled: 4}, nil
	}
	return nil, asynq.ErrQueueNotFound
}

func (fakeInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return []*asynq.TaskInfo{{ID: "s"}}, nil
}

func (fakeInspector) Close() error { return nil }

func TestJobsCLITrigger(t *testing.T) {
	enq := &fakeEnqueuer{}
	c := NewJobsCLIWith(enq, fakeInspector{})

	info, err := c.Trigger(context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskCatalogSync, info.Type)

	var payload jobs.CatalogSyncPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, "manual", payload.Source)

	_, err = c.Trigger(context.Background(), jobs.TaskReservationSweep)
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), "unknown")
	require.Error(t, err)
	assert.Len(t, enq.tasks, 2)
}

func TestJobsCLIInspectQueues(t *testing.T) {
	c := NewJobsCLIWith(&fakeEnqueuer{}, fakeInspector{})

	stats, err := c.InspectQueues(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, QueueStats{Queue: jobs.QueueCritical, Pending: 1, Scheduled: 4}, stats[0])
	assert.Equal(t, QueueStats{Queue: jobs.QueueDefault}, stats[1])

	scheduled, err := c.ListScheduled(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}
