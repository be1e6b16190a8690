package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalogsync"
)

// Source yields raw export rows.
type Source interface {
	Fetch(ctx context.Context) ([]catalog.RawRecord, error)
}

// BatchApplier reconciles a batch.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, batch catalogsync.Batch) (catalogsync.Summary, error)
}

// ErrEmptyImport is returned when the export holds no rows.
var ErrEmptyImport = errors.New("import: export has no records")

// Importer runs a one-off sync from a local export file.
type Importer struct {
	reconciler BatchApplier
	out        io.Writer
}

// NewImporter constructs the helper. The report is written to out.
func NewImporter(reconciler BatchApplier, out io.Writer) *Importer {
	return &Importer{reconciler: reconciler, out: out}
}

// Import applies the rows of source. Retirement only happens for complete
// exports.
func (i *Importer) Import(ctx context.Context, source Source, name string, complete bool) (catalogsync.Summary, error) {
	records, err := source.Fetch(ctx)
	if err != nil {
		return catalogsync.Summary{}, err
	}
	if len(records) == 0 {
		return catalogsync.Summary{}, ErrEmptyImport
	}
	summary, err := i.reconciler.ApplyBatch(ctx, catalogsync.Batch{Records: records, Complete: complete, Source: name})
	if err != nil {
		return summary, err
	}
	i.report(summary)
	return summary, nil
}

func (i *Importer) report(s catalogsync.Summary) {
	if i.out == nil {
		return
	}
	w := tabwriter.NewWriter(i.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "records\t%d\n", s.Total)
	fmt.Fprintf(w, "created\t%d\n", s.Created)
	fmt.Fprintf(w, "applied\t%d\n", s.Applied)
	fmt.Fprintf(w, "warned\t%d\n", s.Warned)
	fmt.Fprintf(w, "skipped\t%d\n", s.Skipped)
	fmt.Fprintf(w, "retired\t%d\n", s.Retired)
	fmt.Fprintf(w, "failure rate\t%.2f%%\n", s.FailureRate*100)
	if s.Degraded {
		fmt.Fprintln(w, "status\tDEGRADED")
	}
	for _, o := range s.Outcomes {
		if o.Status != catalogsync.StatusSkipped {
			continue
		}
		fmt.Fprintf(w, "skip #%d\t%s\n", o.Index, o.Reason)
	}
	_ = w.Flush()
}
