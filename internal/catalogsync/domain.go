// Package catalogsync reconciles batches exported by the master point-of-sale
// system with the store catalog.
package catalogsync

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
)

// Config tunes batch processing.
type Config struct {
	// FailureThreshold is the skipped/total ratio above which a batch is degraded.
	FailureThreshold float64
	// Workers bounds concurrent record transactions.
	Workers int
	// DefaultBuffer is the stock buffer given to products created by sync.
	DefaultBuffer decimal.Decimal
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 0.10, Workers: 8, DefaultBuffer: decimal.NewFromInt(5)}
}

// Batch is one upstream delivery.
type Batch struct {
	Records []catalog.RawRecord
	// Complete declares the batch covers the full master catalog.
	Complete bool
	Source   string
}

// Status is the per-record outcome.
type Status string

const (
	StatusApplied             Status = "applied"
	StatusAppliedWithWarnings Status = "applied_with_warnings"
	StatusSkipped             Status = "skipped"
)

// Skip reasons.
const (
	ReasonMissingKey      = "missing_correlation_key"
	ReasonIncompleteNew   = "incomplete_new_record"
	ReasonInvalidUnits    = "invalid_unit_configuration"
	ReasonBarcodeConflict = "barcode_conflict"
	ReasonDuplicateKey    = "duplicate_key"
	ReasonCancelled       = "cancelled"
	ReasonInternal        = "internal_error"
)

// Outcome reports what happened to one record.
type Outcome struct {
	Index      int        `json:"index"`
	ExternalID string     `json:"external_id,omitempty"`
	Barcode    string     `json:"barcode,omitempty"`
	ProductID  *uuid.UUID `json:"product_id,omitempty"`
	Status     Status     `json:"status"`
	Created    bool       `json:"created,omitempty"`
	Changed    bool       `json:"changed,omitempty"`
	Restored   bool       `json:"restored,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	Source      string    `json:"source,omitempty"`
	Total       int       `json:"total"`
	Applied     int       `json:"applied"`
	Warned      int       `json:"warned"`
	Skipped     int       `json:"skipped"`
	Created     int       `json:"created"`
	Unchanged   int       `json:"unchanged"`
	Retired     int       `json:"retired"`
	FailureRate float64   `json:"failure_rate"`
	Degraded    bool      `json:"degraded"`
	Complete    bool      `json:"complete"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcomes    []Outcome `json:"outcomes"`
}

func (s *Summary) tally(threshold float64) {
	s.Applied, s.Warned, s.Skipped, s.Created, s.Unchanged = 0, 0, 0, 0, 0
	for _, o := range s.Outcomes {
		switch o.Status {
		case StatusApplied:
			s.Applied++
		case StatusAppliedWithWarnings:
			s.Warned++
		case StatusSkipped:
			s.Skipped++
		}
		if o.Created {
			s.Created++
		}
		if o.Status != StatusSkipped && !o.Changed {
			s.Unchanged++
		}
	}
	s.Total = len(s.Outcomes)
	if s.Total > 0 {
		s.FailureRate = float64(s.Skipped) / float64(s.Total)
	}
	s.Degraded = s.Total > 0 && s.FailureRate > threshold
}
