package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unit enumerates how a product is sold or priced.
type Unit string

const (
	// UnitPiece counts discrete items.
	UnitPiece Unit = "piece"
	// UnitWeightKg measures by weight, priced or sold per kilogram.
	UnitWeightKg Unit = "weight-kg"
)

// Valid reports whether the unit is one of the known values.
func (u Unit) Valid() bool {
	return u == UnitPiece || u == UnitWeightKg
}

// ReviewState tracks whether staff accepted a product mirrored from the master system.
type ReviewState string

const (
	ReviewApproved      ReviewState = "approved"
	ReviewPendingReview ReviewState = "pending_review"
)

// Nutrition holds per-100g values; nil means unknown.
type Nutrition struct {
	Kcal         *int             `json:"kcal,omitempty"`
	Kilojoules   *int             `json:"kilojoules,omitempty"`
	Proteins     *decimal.Decimal `json:"proteins,omitempty"`
	Fat          *decimal.Decimal `json:"fat,omitempty"`
	SaturatedFat *decimal.Decimal `json:"saturated_fat,omitempty"`
	Carbs        *decimal.Decimal `json:"carbs,omitempty"`
	Sugar        *decimal.Decimal `json:"sugar,omitempty"`
	Salt         *decimal.Decimal `json:"salt,omitempty"`
}

// Product is the store-side mirror of a master catalog entry.
type Product struct {
	ID                 uuid.UUID        `json:"id"`
	ExternalID         string           `json:"external_id,omitempty"`
	Barcode            string           `json:"barcode,omitempty"`
	LackmannNumber     string           `json:"lackmann_number,omitempty"`
	Name               string           `json:"name"`
	NameDisplay        string           `json:"name_display,omitempty"`
	Ingredients        string           `json:"ingredients,omitempty"`
	PackingType        string           `json:"packing_type,omitempty"`
	CategoryID         *uuid.UUID       `json:"category_id,omitempty"`
	SellingUnit        Unit             `json:"selling_unit"`
	PricingUnit        Unit             `json:"pricing_unit"`
	SyncedPrice        decimal.Decimal  `json:"synced_price"`
	PriceOverride      *decimal.Decimal `json:"price_override,omitempty"`
	WeightPerUnitGrams *int             `json:"weight_per_unit_grams,omitempty"`
	AverageWeightGrams *int             `json:"average_weight_grams,omitempty"`
	SyncedStock        decimal.Decimal  `json:"synced_stock"`
	StockOverride      *decimal.Decimal `json:"stock_override,omitempty"`
	StockBuffer        decimal.Decimal  `json:"stock_buffer"`
	Nutrition          Nutrition        `json:"nutrition"`
	IsAvailable        bool             `json:"is_available"`
	RetiredBySync      bool             `json:"retired_by_sync"`
	ReviewState        ReviewState      `json:"review_state"`
	LastSyncedAt       *time.Time       `json:"last_synced_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// DisplayName prefers the print name from the master system.
func (p Product) DisplayName() string {
	if p.NameDisplay != "" {
		return p.NameDisplay
	}
	return p.Name
}

// Orderable reports whether customers may put the product into an order.
func (p Product) Orderable() bool {
	return p.IsAvailable && p.ReviewState == ReviewApproved
}

// Validate checks the invariants every stored product must satisfy.
func (p Product) Validate() error {
	if p.ExternalID == "" && p.Barcode == "" {
		return ErrMissingCorrelationKey
	}
	if err := ValidateUnits(p.SellingUnit, p.PricingUnit, p.AverageWeightGrams); err != nil {
		return err
	}
	if p.StockBuffer.IsNegative() {
		return ErrNegativeBuffer
	}
	if p.SyncedPrice.IsNegative() || (p.PriceOverride != nil && p.PriceOverride.IsNegative()) {
		return ErrNegativePrice
	}
	return nil
}

// Category is a node in the self-referencing category tree.
type Category struct {
	ID       uuid.UUID   `json:"id"`
	Name     string      `json:"name"`
	ParentID *uuid.UUID  `json:"parent_id,omitempty"`
	Children []*Category `json:"children,omitempty"`
}

var (
	// ErrNotFound indicates a missing product or category.
	ErrNotFound = errors.New("catalog: not found")
	// ErrDuplicate indicates a correlation key already used by another product.
	ErrDuplicate = errors.New("catalog: duplicate correlation key")
	// ErrInvalidUnitConfiguration rejects unit pairings that cannot be priced.
	ErrInvalidUnitConfiguration = errors.New("catalog: invalid unit configuration")
	// ErrMissingCorrelationKey indicates neither external id nor barcode was supplied.
	ErrMissingCorrelationKey = errors.New("catalog: external id or barcode required")
	// ErrNegativeBuffer rejects negative stock buffers.
	ErrNegativeBuffer = errors.New("catalog: stock buffer must be >= 0")
	// ErrNegativePrice rejects negative prices.
	ErrNegativePrice = errors.New("catalog: price must be >= 0")
	// ErrNotApproved rejects making a pending product visible.
	ErrNotApproved = errors.New("catalog: product not approved")
	// ErrCategoryCycle indicates the parent chain loops back on itself.
	ErrCategoryCycle = errors.New("catalog: category tree contains a cycle")
)
