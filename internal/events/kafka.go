// Package events publishes ledger and sync notifications to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/inventory"
)

const maxAlertOutcomes = 50

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Topics names the destinations per event family.
type Topics struct {
	Stock string
	Sync  string
}

// Envelope wraps every payload with routing metadata.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// SyncDegradedType tags operator alerts for degraded sync batches.
const SyncDegradedType = "catalog.sync_degraded"

// KafkaPublisher implements inventory.EventPublisher and catalogsync.Alerter.
type KafkaPublisher struct {
	writer MessageWriter
	topics Topics
	logger *slog.Logger
}

// NewWriter builds a kafka.Writer keyed by product id so events for one
// product stay ordered within a partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// NewKafkaPublisher constructs the publisher.
func NewKafkaPublisher(writer MessageWriter, topics Topics, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: writer, topics: topics, logger: logger}
}

// PublishStockEvents writes one message per event.
func (p *KafkaPublisher) PublishStockEvents(ctx context.Context, events []inventory.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := p.message(p.topics.Stock, ev.ProductID.String(), ev.ID, string(ev.Type), ev.At, ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("events: publish stock events: %w", err)
	}
	return nil
}

// SyncDegraded is the alert payload. Only skipped outcomes are included.
type SyncDegraded struct {
	Source      string                `json:"source,omitempty"`
	Total       int                   `json:"total"`
	Applied     int                   `json:"applied"`
	Warned      int                   `json:"warned"`
	Skipped     int                   `json:"skipped"`
	FailureRate float64               `json:"failure_rate"`
	Complete    bool                  `json:"complete"`
	Skips       []catalogsync.Outcome `json:"skips"`
}

// PublishSyncDegraded raises an operator alert for a degraded batch.
func (p *KafkaPublisher) PublishSyncDegraded(ctx context.Context, summary catalogsync.Summary) error {
	alert := SyncDegraded{
		Source:      summary.Source,
		Total:       summary.Total,
		Applied:     summary.Applied,
		Warned:      summary.Warned,
		Skipped:     summary.Skipped,
		FailureRate: summary.FailureRate,
		Complete:    summary.Complete,
	}
	for _, o := range summary.Outcomes {
		if o.Status != catalogsync.StatusSkipped {
			continue
		}
		if len(alert.Skips) == maxAlertOutcomes {
			break
		}
		alert.Skips = append(alert.Skips, o)
	}
	at := summary.FinishedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	msg, err := p.message(p.topics.Sync, summary.Source, uuid.New(), SyncDegradedType, at, alert)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish sync alert: %w", err)
	}
	p.logger.Warn("sync degraded alert published", slog.Float64("failure_rate", summary.FailureRate), slog.Int("skipped", summary.Skipped))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) message(topic, key string, id uuid.UUID, typ string, at time.Time, payload any) (kafka.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: encode %s: %w", typ, err)
	}
	body, err := json.Marshal(Envelope{ID: id, Type: typ, OccurredAt: at, Payload: raw})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: encode envelope: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(typ)},
		},
	}, nil
}
