// Package pricing derives effective per-selling-unit prices and the
// spending-based fidelity discount.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
)

var (
	// ErrInvalidFidelityConfig rejects threshold/percent settings that do not form a ramp.
	ErrInvalidFidelityConfig = errors.New("pricing: invalid fidelity configuration")
	// ErrFractionalPieces rejects non-integer quantities for piece-sold products.
	ErrFractionalPieces = errors.New("pricing: piece quantities must be whole numbers")
	// ErrNonPositiveQuantity rejects zero or negative order quantities.
	ErrNonPositiveQuantity = errors.New("pricing: quantity must be greater than zero")
)

var (
	gramsPerKg = decimal.NewFromInt(1000)
	hundred    = decimal.NewFromInt(100)
)

// RoundMoney rounds half away from zero to two decimals.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// BasePrice returns the override when set, otherwise the synced price.
// It is expressed per pricing unit.
func BasePrice(p catalog.Product) decimal.Decimal {
	if p.PriceOverride != nil {
		return *p.PriceOverride
	}
	return p.SyncedPrice
}

// EffectivePrice converts the base price into a price per selling unit.
// Pieces priced by weight use the average piece weight.
func EffectivePrice(p catalog.Product) (decimal.Decimal, error) {
	if err := catalog.ValidateUnits(p.SellingUnit, p.PricingUnit, p.AverageWeightGrams); err != nil {
		return decimal.Zero, err
	}
	base := BasePrice(p)
	if p.SellingUnit == p.PricingUnit {
		return base, nil
	}
	grams := decimal.NewFromInt(int64(*p.AverageWeightGrams))
	return RoundMoney(base.Mul(grams).Div(gramsPerKg)), nil
}

// ValidateQuantity checks an order quantity against the selling unit.
func ValidateQuantity(unit catalog.Unit, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrNonPositiveQuantity
	}
	if unit == catalog.UnitPiece && !qty.Equal(qty.Truncate(0)) {
		return fmt.Errorf("%w: got %s", ErrFractionalPieces, qty)
	}
	return nil
}

// LineTotal multiplies the unit price by quantity and rounds to cents.
func LineTotal(unitPrice, qty decimal.Decimal) decimal.Decimal {
	return RoundMoney(unitPrice.Mul(qty))
}
