package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FidelityConfig describes the discount ramp: nothing below
// LowerThreshold, LowerPercent at it, rising linearly to CapPercent at
// UpperThreshold, and CapPercent beyond.
type FidelityConfig struct {
	LowerThreshold decimal.Decimal
	LowerPercent   decimal.Decimal
	UpperThreshold decimal.Decimal
	CapPercent     decimal.Decimal
}

// DefaultFidelityConfig matches the store's published loyalty scheme.
func DefaultFidelityConfig() FidelityConfig {
	return FidelityConfig{
		LowerThreshold: decimal.NewFromInt(1000),
		LowerPercent:   decimal.NewFromInt(5),
		UpperThreshold: decimal.NewFromInt(2000),
		CapPercent:     decimal.NewFromInt(20),
	}
}

// Validate checks the ramp is well formed.
func (c FidelityConfig) Validate() error {
	switch {
	case c.LowerThreshold.IsNegative():
		return fmt.Errorf("%w: lower threshold must be >= 0", ErrInvalidFidelityConfig)
	case !c.UpperThreshold.GreaterThan(c.LowerThreshold):
		return fmt.Errorf("%w: upper threshold must exceed lower threshold", ErrInvalidFidelityConfig)
	case c.LowerPercent.IsNegative() || c.LowerPercent.GreaterThan(c.CapPercent):
		return fmt.Errorf("%w: lower percent must be within [0, cap]", ErrInvalidFidelityConfig)
	case c.CapPercent.GreaterThan(hundred):
		return fmt.Errorf("%w: cap percent must be <= 100", ErrInvalidFidelityConfig)
	}
	return nil
}

// DiscountPercent returns the discount percent for a cumulative spend.
func (c FidelityConfig) DiscountPercent(spending decimal.Decimal) decimal.Decimal {
	switch {
	case spending.LessThan(c.LowerThreshold):
		return decimal.Zero
	case !spending.LessThan(c.UpperThreshold):
		return c.CapPercent
	}
	progress := spending.Sub(c.LowerThreshold).Div(c.UpperThreshold.Sub(c.LowerThreshold))
	return c.LowerPercent.Add(c.CapPercent.Sub(c.LowerPercent).Mul(progress))
}

// Discount applies the spending-based percent to subtotal, rounded to cents.
func (c FidelityConfig) Discount(subtotal, spending decimal.Decimal) decimal.Decimal {
	pct := c.DiscountPercent(spending)
	if pct.IsZero() {
		return decimal.Zero
	}
	return RoundMoney(subtotal.Mul(pct).Div(hundred))
}
