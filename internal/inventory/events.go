package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType enumerates stock events emitted after commit.
type EventType string

const (
	EventReserved  EventType = "stock.reserved"
	EventReleased  EventType = "stock.released"
	EventCommitted EventType = "stock.committed"
	EventAdjusted  EventType = "stock.adjusted"
)

// Event is published for low-stock alerting and downstream listings.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	Type           EventType       `json:"type"`
	ProductID      uuid.UUID       `json:"product_id"`
	OrderID        *uuid.UUID      `json:"order_id,omitempty"`
	ReservationID  *uuid.UUID      `json:"reservation_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Field          StockField      `json:"field,omitempty"`
	EffectiveAfter decimal.Decimal `json:"effective_after"`
	LowStock       bool            `json:"low_stock"`
	At             time.Time       `json:"at"`
}

// EventPublisher receives stock events once the ledger transaction committed.
type EventPublisher interface {
	PublishStockEvents(ctx context.Context, events []Event) error
}

func newEvent(typ EventType, m Movement, level Level) Event {
	return Event{
		ID:             uuid.New(),
		Type:           typ,
		ProductID:      m.ProductID,
		OrderID:        m.OrderID,
		ReservationID:  m.ReservationID,
		Quantity:       m.Quantity,
		Field:          m.Field,
		EffectiveAfter: level.Effective(),
		LowStock:       level.LowStock(),
		At:             m.At,
	}
}
