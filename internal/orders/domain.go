package orders

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:  {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports states without outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// PaymentStatus mirrors what the payment collaborator reported.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentUnpaid, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// SpendingPolicy selects the transition that counts an order toward the
// customer's cumulative spending.
type SpendingPolicy string

const (
	SpendOnDelivered SpendingPolicy = "delivered"
	SpendOnConfirmed SpendingPolicy = "confirmed"
)

// Valid reports whether p is a supported policy.
func (p SpendingPolicy) Valid() bool {
	return p == SpendOnDelivered || p == SpendOnConfirmed
}

// Item is an immutable snapshot of one order line.
type Item struct {
	ID          uuid.UUID       `json:"id"`
	ProductID   uuid.UUID       `json:"product_id"`
	Name        string          `json:"name"`
	Barcode     string          `json:"barcode,omitempty"`
	SellingUnit catalog.Unit    `json:"selling_unit"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Order is one checkout. Monetary fields are fixed at creation.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	CustomerID      string          `json:"customer_id"`
	Status          Status          `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	Items           []Item          `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Total           decimal.Decimal `json:"total"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`

	// SettlementPending is set on a transition response when the status
	// committed but the reservations could not be released or committed
	// yet. The reservation sweep finishes them. Not persisted.
	SettlementPending bool `json:"settlement_pending,omitempty"`
}

// Breakdown is the charge summary handed to payment and receipts.
type Breakdown struct {
	OrderID         uuid.UUID       `json:"order_id"`
	Items           []Item          `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Total           decimal.Decimal `json:"total"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
}

// CustomerStats is the spending aggregate behind the fidelity tier.
type CustomerStats struct {
	CustomerID string          `json:"customer_id"`
	TotalSpent decimal.Decimal `json:"total_spent"`
	OrderCount int             `json:"order_count"`
}

// StatusChange is one row of the order history.
type StatusChange struct {
	OrderID uuid.UUID `json:"order_id"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	ActorID string    `json:"actor_id"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// ItemInput is one requested line.
type ItemInput struct {
	ProductID uuid.UUID       `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// CreateInput carries a checkout request. Delivery fee and eligibility
// come from the delivery-distance collaborator.
type CreateInput struct {
	CustomerID       string          `json:"customer_id"`
	Items            []ItemInput     `json:"items" validate:"required,min=1,dive"`
	DeliveryFee      decimal.Decimal `json:"delivery_fee"`
	DeliveryEligible bool            `json:"delivery_eligible"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// TransitionInput requests a status change.
type TransitionInput struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
	Target  Status    `json:"target" validate:"required"`
	Reason  string    `json:"reason,omitempty" validate:"max=500"`
}

var (
	// ErrNotFound indicates a missing order.
	ErrNotFound = errors.New("orders: not found")
	// ErrInvalidTransition rejects edges outside the transition table.
	ErrInvalidTransition = errors.New("orders: invalid state transition")
	// ErrNotEligibleForDelivery rejects addresses outside the delivery area.
	ErrNotEligibleForDelivery = errors.New("orders: address not eligible for delivery")
	// ErrProductUnavailable rejects products that cannot be ordered.
	ErrProductUnavailable = errors.New("orders: product not available")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("orders: invalid input")
	// ErrForbidden rejects actions on another customer's order.
	ErrForbidden = errors.New("orders: forbidden")
	// ErrInvalidPaymentStatus rejects unknown payment states.
	ErrInvalidPaymentStatus = errors.New("orders: invalid payment status")
)

// ErrRequestInFlight reports a create retried while the first attempt with
// the same idempotency key is still running.
var ErrRequestInFlight = errors.New("orders: request with this idempotency key is in progress")
