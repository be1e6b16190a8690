package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
)

// StockField names the product column a movement draws from.
type StockField string

const (
	// FieldSynced is the baseline mirrored from the master system.
	FieldSynced StockField = "synced"
	// FieldOverride is the staff-set stock value.
	FieldOverride StockField = "override"
)

// ReservationStatus enumerates the lifecycle of a reservation.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationReleased  ReservationStatus = "released"
	ReservationCommitted ReservationStatus = "committed"
)

// Level is the stock state of one product at a point in time.
type Level struct {
	ProductID   uuid.UUID
	SellingUnit catalog.Unit
	Synced      decimal.Decimal
	Override    *decimal.Decimal
	Buffer      decimal.Decimal
}

// LevelOf extracts the stock state from a catalog product.
func LevelOf(p catalog.Product) Level {
	return Level{
		ProductID:   p.ID,
		SellingUnit: p.SellingUnit,
		Synced:      p.SyncedStock,
		Override:    p.StockOverride,
		Buffer:      p.StockBuffer,
	}
}

// Source reports which field reservations currently draw from.
func (l Level) Source() StockField {
	if l.Override != nil {
		return FieldOverride
	}
	return FieldSynced
}

// Active returns the override when set, otherwise the synced stock.
func (l Level) Active() decimal.Decimal {
	if l.Override != nil {
		return *l.Override
	}
	return l.Synced
}

// Effective returns Active minus buffer. The value may be negative.
func (l Level) Effective() decimal.Decimal {
	return l.Active().Sub(l.Buffer)
}

// Display is Effective floored at zero.
func (l Level) Display() decimal.Decimal {
	e := l.Effective()
	if e.IsNegative() {
		return decimal.Zero
	}
	return e
}

// BufferBreached reports stock that already dipped into the buffer.
func (l Level) BufferBreached() bool {
	return l.Effective().IsNegative()
}

// LowStock reports a sellable quantity at or below the buffer size.
func (l Level) LowStock() bool {
	return !l.Effective().GreaterThan(l.Buffer)
}

// Reservation records units removed from sellable stock for one order line.
type Reservation struct {
	ID         uuid.UUID         `json:"id"`
	OrderID    uuid.UUID         `json:"order_id"`
	ProductID  uuid.UUID         `json:"product_id"`
	Quantity   decimal.Decimal   `json:"quantity"`
	Field      StockField        `json:"field"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// StaleReservation is a reservation whose order already reached a
// terminal status.
type StaleReservation struct {
	Reservation
	OrderStatus string
}

// ReserveItem is one product quantity requested by an order.
type ReserveItem struct {
	ProductID uuid.UUID
	Quantity  decimal.Decimal
}

// MovementKind enumerates journal entries written by the ledger.
type MovementKind string

const (
	MovementReserve         MovementKind = "reserve"
	MovementRelease         MovementKind = "release"
	MovementCommit          MovementKind = "commit"
	MovementOverrideSet     MovementKind = "override_set"
	MovementOverrideCleared MovementKind = "override_cleared"
	MovementBufferSet       MovementKind = "buffer_set"
)

// Movement is a stock card line: one change to a product's stock state.
type Movement struct {
	ID             int64           `json:"id"`
	ProductID      uuid.UUID       `json:"product_id"`
	ReservationID  *uuid.UUID      `json:"reservation_id,omitempty"`
	OrderID        *uuid.UUID      `json:"order_id,omitempty"`
	Kind           MovementKind    `json:"kind"`
	Field          StockField      `json:"field,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	ActiveAfter    decimal.Decimal `json:"active_after"`
	EffectiveAfter decimal.Decimal `json:"effective_after"`
	ActorID        string          `json:"actor_id"`
	Note           string          `json:"note,omitempty"`
	At             time.Time       `json:"at"`
}

// MovementFilter filters stock card entries.
type MovementFilter struct {
	ProductID uuid.UUID
	From      time.Time
	To        time.Time
	Limit     int
}

// Projection is what listings and checkout see for a product.
type Projection struct {
	ProductID      uuid.UUID        `json:"product_id"`
	EffectiveStock decimal.Decimal  `json:"effective_stock"`
	SignedStock    decimal.Decimal  `json:"signed_stock"`
	Source         StockField       `json:"source"`
	BufferBreached bool             `json:"buffer_breached"`
	LowStock       bool             `json:"low_stock"`
	EffectivePrice *decimal.Decimal `json:"effective_price,omitempty"`
	PriceError     string           `json:"price_error,omitempty"`
	Orderable      bool             `json:"orderable"`
}

var (
	// ErrInsufficientStock is matched by every InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrReservationNotFound indicates an unknown reservation handle.
	ErrReservationNotFound = errors.New("inventory: reservation not found")
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be greater than zero")
	// ErrNegativeOverride rejects negative stock overrides.
	ErrNegativeOverride = errors.New("inventory: stock override must be >= 0")
)

// InsufficientStockError identifies the product that could not be reserved.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %s: requested %s, available %s", e.ProductID, e.Requested, e.Available)
}

// Is matches ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ProblemDetails exposes the offending product to HTTP callers.
func (e *InsufficientStockError) ProblemDetails() map[string]any {
	return map[string]any{
		"product_id": e.ProductID.String(),
		"requested":  e.Requested.String(),
		"available":  e.Available.String(),
	}
}
