package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Product, error)
	List(ctx context.Context, filter ListFilter) ([]Product, error)
	ListCategories(ctx context.Context) ([]Category, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops cached derived state for products after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...uuid.UUID) error
}

// ListFilter narrows product listings.
type ListFilter struct {
	ReviewState   ReviewState
	AvailableOnly bool
	CategoryID    *uuid.UUID
	Limit         int
	Offset        int
}

// UnitsInput redefines how a product is sold and priced.
type UnitsInput struct {
	SellingUnit        Unit `json:"selling_unit" validate:"required"`
	PricingUnit        Unit `json:"pricing_unit" validate:"required"`
	AverageWeightGrams *int `json:"average_weight_grams,omitempty" validate:"omitempty,gt=0"`
	WeightPerUnitGrams *int `json:"weight_per_unit_grams,omitempty" validate:"omitempty,gt=0"`
}

// Service exposes staff operations on the catalog.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	invalidator Invalidator
	now         func() time.Time
}

// NewService builds Service. audit and invalidator may be nil.
func NewService(repo RepositoryPort, audit AuditPort, invalidator Invalidator) *Service {
	return &Service{repo: repo, audit: audit, invalidator: invalidator, now: time.Now}
}

// Get returns a single product.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.repo.Get(ctx, id)
}

// List returns products for staff and storefront listings.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	return s.repo.List(ctx, filter)
}

// Categories returns the category forest.
func (s *Service) Categories(ctx context.Context) ([]*Category, error) {
	flat, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTree(flat)
}

// SetPriceOverride pins a staff price that sync will never touch.
func (s *Service) SetPriceOverride(ctx context.Context, id uuid.UUID, price decimal.Decimal) (Product, error) {
	if price.IsNegative() {
		return Product{}, ErrNegativePrice
	}
	return s.mutate(ctx, id, "catalog.price_override.set", map[string]any{"price": price.String()}, func(p *Product) error {
		v := price
		p.PriceOverride = &v
		return nil
	})
}

// ClearPriceOverride falls back to the synced price.
func (s *Service) ClearPriceOverride(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.mutate(ctx, id, "catalog.price_override.clear", nil, func(p *Product) error {
		p.PriceOverride = nil
		return nil
	})
}

// SetAvailability toggles storefront visibility. A manual decision always
// clears the retired-by-sync marker so sync will not undo it.
func (s *Service) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (Product, error) {
	return s.mutate(ctx, id, "catalog.availability.set", map[string]any{"available": available}, func(p *Product) error {
		if available && p.ReviewState != ReviewApproved {
			return fmt.Errorf("%w: product is pending review", ErrNotApproved)
		}
		p.IsAvailable = available
		p.RetiredBySync = false
		return nil
	})
}

// ApproveProduct accepts a product created by sync and makes it orderable.
func (s *Service) ApproveProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.mutate(ctx, id, "catalog.product.approve", nil, func(p *Product) error {
		p.ReviewState = ReviewApproved
		p.IsAvailable = true
		p.RetiredBySync = false
		return nil
	})
}

// DefineUnits replaces the selling/pricing unit configuration.
func (s *Service) DefineUnits(ctx context.Context, id uuid.UUID, input UnitsInput) (Product, error) {
	if err := ValidateUnits(input.SellingUnit, input.PricingUnit, input.AverageWeightGrams); err != nil {
		return Product{}, err
	}
	meta := map[string]any{"selling_unit": input.SellingUnit, "pricing_unit": input.PricingUnit}
	return s.mutate(ctx, id, "catalog.units.define", meta, func(p *Product) error {
		p.SellingUnit = input.SellingUnit
		p.PricingUnit = input.PricingUnit
		if input.AverageWeightGrams != nil {
			p.AverageWeightGrams = input.AverageWeightGrams
		}
		if input.WeightPerUnitGrams != nil {
			p.WeightPerUnitGrams = input.WeightPerUnitGrams
		}
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, action string, meta map[string]any, fn func(*Product) error) (Product, error) {
	var out Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		if err := tx.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	s.afterWrite(ctx, id, action, meta)
	return out, nil
}

func (s *Service) afterWrite(ctx context.Context, id uuid.UUID, action string, meta map[string]any) {
	if s.invalidator != nil {
		_ = s.invalidator.Invalidate(ctx, id)
	}
	if s.audit == nil {
		return
	}
	actor := shared.ActorFromContext(ctx)
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "product",
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	})
}
