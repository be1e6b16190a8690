package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/pricing"
	"github.com/gastronom/gastronom/internal/shared"
)

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	ListOrderReservations(ctx context.Context, orderID uuid.UUID) ([]Reservation, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// ProductReader loads catalog products for projections.
type ProductReader interface {
	Get(ctx context.Context, id uuid.UUID) (catalog.Product, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Metrics receives ledger outcomes.
type Metrics interface {
	ObserveReservation(result string)
	ObserveRelease(credited bool)
}

// Cache stores projections between writes.
type Cache interface {
	Fetch(ctx context.Context, id uuid.UUID, loader func(context.Context) (Projection, error)) (Projection, error)
	Invalidate(ctx context.Context, ids ...uuid.UUID) error
}

// Ledger is the single authority on sellable stock. Every mutation locks
// the product row first, so reserve and release are linearizable per product.
type Ledger struct {
	repo      RepositoryPort
	products  ProductReader
	audit     AuditPort
	publisher EventPublisher
	cache     Cache
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// LedgerOption customises optional collaborators.
type LedgerOption func(*Ledger)

// WithAudit records staff edits.
func WithAudit(audit AuditPort) LedgerOption { return func(l *Ledger) { l.audit = audit } }

// WithPublisher publishes stock events after commit.
func WithPublisher(p EventPublisher) LedgerOption { return func(l *Ledger) { l.publisher = p } }

// WithCache caches projections.
func WithCache(c Cache) LedgerOption { return func(l *Ledger) { l.cache = c } }

// WithMetrics reports reservation outcomes.
func WithMetrics(m Metrics) LedgerOption { return func(l *Ledger) { l.metrics = m } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LedgerOption { return func(l *Ledger) { l.logger = logger } }

// NewLedger builds Ledger.
func NewLedger(repo RepositoryPort, products ProductReader, opts ...LedgerOption) *Ledger {
	l := &Ledger{repo: repo, products: products, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Reserve takes quantity units of one product for an order.
func (l *Ledger) Reserve(ctx context.Context, orderID, productID uuid.UUID, quantity decimal.Decimal) (Reservation, error) {
	created, err := l.ReserveAll(ctx, orderID, []ReserveItem{{ProductID: productID, Quantity: quantity}})
	if err != nil {
		return Reservation{}, err
	}
	if len(created) == 0 {
		existing, err := l.repo.ListOrderReservations(ctx, orderID)
		if err != nil {
			return Reservation{}, err
		}
		for _, r := range existing {
			if r.ProductID == productID && r.Status == ReservationReserved {
				return r, nil
			}
		}
		return Reservation{}, ErrReservationNotFound
	}
	return created[0], nil
}

// ReserveAll reserves every item in one transaction. Either all items are
// reserved or none are. Products already reserved for the order are
// skipped, so retrying a confirmation never double-reserves. Only newly
// created reservations are returned.
func (l *Ledger) ReserveAll(ctx context.Context, orderID uuid.UUID, items []ReserveItem) ([]Reservation, error) {
	if orderID == uuid.Nil {
		return nil, errors.New("inventory: order id required")
	}
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}
	actor := shared.ActorFromContext(ctx)
	var created []Reservation
	var events []Event
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, events = nil, nil
		levels := make(map[uuid.UUID]Level, len(merged))
		for _, item := range merged {
			level, err := tx.GetLevelForUpdate(ctx, item.ProductID)
			if err != nil {
				return fmt.Errorf("inventory: lock product %s: %w", item.ProductID, err)
			}
			levels[item.ProductID] = level
		}
		held, err := tx.ListOrderReservationsForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		active := make(map[uuid.UUID]bool, len(held))
		for _, r := range held {
			if r.Status == ReservationReserved {
				active[r.ProductID] = true
			}
		}
		for _, item := range merged {
			if active[item.ProductID] {
				continue
			}
			level := levels[item.ProductID]
			if level.Effective().LessThan(item.Quantity) {
				return &InsufficientStockError{ProductID: item.ProductID, Requested: item.Quantity, Available: level.Display()}
			}
			field := level.Source()
			after, err := tx.ApplyDelta(ctx, item.ProductID, field, item.Quantity.Neg())
			if err != nil {
				return err
			}
			now := l.now()
			res := Reservation{
				ID:        uuid.New(),
				OrderID:   orderID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Field:     field,
				Status:    ReservationReserved,
				CreatedAt: now,
			}
			if err := tx.InsertReservation(ctx, res); err != nil {
				return err
			}
			m := reservationMovement(MovementReserve, res, after, actor.ID, now)
			if err := tx.InsertMovement(ctx, m); err != nil {
				return err
			}
			created = append(created, res)
			events = append(events, newEvent(EventReserved, m, after))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			l.observeReservation("insufficient")
		} else {
			l.observeReservation("error")
		}
		return nil, err
	}
	l.observeReservation("reserved")
	l.afterCommit(ctx, events)
	return created, nil
}

// Release restores exactly the reserved quantity to the field it was
// drawn from. Releasing a reservation that is no longer held is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) error {
	peek, err := l.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if peek.Status != ReservationReserved {
		return nil
	}
	actor := shared.ActorFromContext(ctx)
	var events []Event
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		events = nil
		if _, err := tx.GetLevelForUpdate(ctx, peek.ProductID); err != nil {
			return err
		}
		res, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return nil
		}
		evt, err := l.release(ctx, tx, res, actor.ID)
		if err != nil {
			return err
		}
		events = append(events, evt)
		return nil
	})
	if err != nil {
		return err
	}
	l.afterCommit(ctx, events)
	return nil
}

// ReleaseOrder releases every reservation the order still holds.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID uuid.UUID) error {
	return l.resolveOrder(ctx, orderID, ReservationReleased)
}

// CommitOrder ends the order's reservations without restoring stock; the
// units left the shop.
func (l *Ledger) CommitOrder(ctx context.Context, orderID uuid.UUID) error {
	return l.resolveOrder(ctx, orderID, ReservationCommitted)
}

func (l *Ledger) resolveOrder(ctx context.Context, orderID uuid.UUID, target ReservationStatus) error {
	peek, err := l.repo.ListOrderReservations(ctx, orderID)
	if err != nil {
		return err
	}
	productIDs := heldProducts(peek)
	if len(productIDs) == 0 {
		return nil
	}
	actor := shared.ActorFromContext(ctx)
	var events []Event
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		events = nil
		locked := make(map[uuid.UUID]Level, len(productIDs))
		for _, id := range productIDs {
			level, err := tx.GetLevelForUpdate(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = level
		}
		held, err := tx.ListOrderReservationsForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		for _, res := range held {
			if res.Status != ReservationReserved {
				continue
			}
			if _, ok := locked[res.ProductID]; !ok {
				level, err := tx.GetLevelForUpdate(ctx, res.ProductID)
				if err != nil {
					return err
				}
				locked[res.ProductID] = level
			}
			if target == ReservationReleased {
				evt, err := l.release(ctx, tx, res, actor.ID)
				if err != nil {
					return err
				}
				events = append(events, evt)
				continue
			}
			now := l.now()
			if err := tx.UpdateReservationStatus(ctx, res.ID, ReservationCommitted, now); err != nil {
				return err
			}
			level := locked[res.ProductID]
			m := reservationMovement(MovementCommit, res, level, actor.ID, now)
			if err := tx.InsertMovement(ctx, m); err != nil {
				return err
			}
			events = append(events, newEvent(EventCommitted, m, level))
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.afterCommit(ctx, events)
	return nil
}

// release must run with the product row locked.
func (l *Ledger) release(ctx context.Context, tx TxRepository, res Reservation, actorID string) (Event, error) {
	level, err := tx.GetLevelForUpdate(ctx, res.ProductID)
	if err != nil {
		return Event{}, err
	}
	credited := true
	note := ""
	if res.Field == FieldOverride && level.Override == nil {
		// override was cleared; the synced baseline never lost these units
		credited = false
		note = "override cleared since reservation; no stock credited"
	} else {
		level, err = tx.ApplyDelta(ctx, res.ProductID, res.Field, res.Quantity)
		if err != nil {
			return Event{}, err
		}
	}
	now := l.now()
	if err := tx.UpdateReservationStatus(ctx, res.ID, ReservationReleased, now); err != nil {
		return Event{}, err
	}
	m := reservationMovement(MovementRelease, res, level, actorID, now)
	m.Note = note
	if !credited {
		m.Quantity = decimal.Zero
	}
	if err := tx.InsertMovement(ctx, m); err != nil {
		return Event{}, err
	}
	if l.metrics != nil {
		l.metrics.ObserveRelease(credited)
	}
	return newEvent(EventReleased, m, level), nil
}

// SetStockOverride pins the sellable baseline to a staff-counted value.
func (l *Ledger) SetStockOverride(ctx context.Context, productID uuid.UUID, value decimal.Decimal) (Level, error) {
	if value.IsNegative() {
		return Level{}, ErrNegativeOverride
	}
	return l.adjust(ctx, productID, MovementOverrideSet, value, func(ctx context.Context, tx TxRepository) (Level, error) {
		return tx.SetOverride(ctx, productID, &value)
	})
}

// ClearStockOverride falls back to the synced stock.
func (l *Ledger) ClearStockOverride(ctx context.Context, productID uuid.UUID) (Level, error) {
	return l.adjust(ctx, productID, MovementOverrideCleared, decimal.Zero, func(ctx context.Context, tx TxRepository) (Level, error) {
		return tx.SetOverride(ctx, productID, nil)
	})
}

// SetStockBuffer changes the safety margin withheld from online sales.
func (l *Ledger) SetStockBuffer(ctx context.Context, productID uuid.UUID, buffer decimal.Decimal) (Level, error) {
	if buffer.IsNegative() {
		return Level{}, catalog.ErrNegativeBuffer
	}
	return l.adjust(ctx, productID, MovementBufferSet, buffer, func(ctx context.Context, tx TxRepository) (Level, error) {
		return tx.SetBuffer(ctx, productID, buffer)
	})
}

func (l *Ledger) adjust(ctx context.Context, productID uuid.UUID, kind MovementKind, value decimal.Decimal, apply func(context.Context, TxRepository) (Level, error)) (Level, error) {
	actor := shared.ActorFromContext(ctx)
	var out Level
	var events []Event
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		events = nil
		if _, err := tx.GetLevelForUpdate(ctx, productID); err != nil {
			return err
		}
		level, err := apply(ctx, tx)
		if err != nil {
			return err
		}
		m := Movement{
			ProductID:      productID,
			Kind:           kind,
			Field:          level.Source(),
			Quantity:       value,
			ActiveAfter:    level.Active(),
			EffectiveAfter: level.Effective(),
			ActorID:        actor.ID,
			At:             l.now(),
		}
		if err := tx.InsertMovement(ctx, m); err != nil {
			return err
		}
		out = level
		events = append(events, newEvent(EventAdjusted, m, level))
		return nil
	})
	if err != nil {
		return Level{}, err
	}
	if l.audit != nil {
		_ = l.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "inventory." + string(kind),
			Entity:   "product",
			EntityID: productID.String(),
			Meta:     map[string]any{"value": value.String(), "effective_after": out.Effective().String()},
			At:       l.now(),
		})
	}
	l.afterCommit(ctx, events)
	return out, nil
}

// Projection returns effective stock and price for listings and checkout.
func (l *Ledger) Projection(ctx context.Context, productID uuid.UUID) (Projection, error) {
	load := func(ctx context.Context) (Projection, error) {
		p, err := l.products.Get(ctx, productID)
		if err != nil {
			return Projection{}, err
		}
		return Project(p), nil
	}
	if l.cache == nil {
		return load(ctx)
	}
	return l.cache.Fetch(ctx, productID, load)
}

// EffectivePrice delegates to the pricing resolver.
func (l *Ledger) EffectivePrice(ctx context.Context, productID uuid.UUID) (decimal.Decimal, error) {
	p, err := l.products.Get(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return pricing.EffectivePrice(p)
}

// Movements lists the stock card of a product.
func (l *Ledger) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.ProductID == uuid.Nil {
		return nil, errors.New("inventory: product required")
	}
	return l.repo.ListMovements(ctx, filter)
}

// OrderReservations lists reservations recorded for an order.
func (l *Ledger) OrderReservations(ctx context.Context, orderID uuid.UUID) ([]Reservation, error) {
	return l.repo.ListOrderReservations(ctx, orderID)
}

// Project computes the projection of a product without touching storage.
func Project(p catalog.Product) Projection {
	level := LevelOf(p)
	proj := Projection{
		ProductID:      p.ID,
		EffectiveStock: level.Display(),
		SignedStock:    level.Effective(),
		Source:         level.Source(),
		BufferBreached: level.BufferBreached(),
		LowStock:       level.LowStock(),
	}
	price, err := pricing.EffectivePrice(p)
	if err != nil {
		proj.PriceError = err.Error()
	} else {
		proj.EffectivePrice = &price
	}
	proj.Orderable = p.Orderable() && err == nil && level.Effective().IsPositive()
	return proj
}

func (l *Ledger) afterCommit(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	if l.cache != nil {
		ids := make([]uuid.UUID, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ProductID)
		}
		if err := l.cache.Invalidate(ctx, ids...); err != nil {
			l.logger.Warn("projection cache invalidation failed", slog.Any("error", err))
		}
	}
	if l.publisher != nil {
		if err := l.publisher.PublishStockEvents(ctx, events); err != nil {
			l.logger.Error("publish stock events", slog.Int("count", len(events)), slog.Any("error", err))
		}
	}
}

func (l *Ledger) observeReservation(result string) {
	if l.metrics != nil {
		l.metrics.ObserveReservation(result)
	}
}

func reservationMovement(kind MovementKind, res Reservation, level Level, actorID string, at time.Time) Movement {
	resID, orderID := res.ID, res.OrderID
	return Movement{
		ProductID:      res.ProductID,
		ReservationID:  &resID,
		OrderID:        &orderID,
		Kind:           kind,
		Field:          res.Field,
		Quantity:       res.Quantity,
		ActiveAfter:    level.Active(),
		EffectiveAfter: level.Effective(),
		ActorID:        actorID,
		At:             at,
	}
}

// mergeItems sums duplicate lines and sorts by product id so concurrent
// multi-product reservations lock rows in the same order.
func mergeItems(items []ReserveItem) ([]ReserveItem, error) {
	if len(items) == 0 {
		return nil, ErrInvalidQuantity
	}
	sums := make(map[uuid.UUID]decimal.Decimal, len(items))
	for _, item := range items {
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, item.ProductID)
		}
		sums[item.ProductID] = sums[item.ProductID].Add(item.Quantity)
	}
	merged := make([]ReserveItem, 0, len(sums))
	for id, qty := range sums {
		merged = append(merged, ReserveItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return bytes.Compare(merged[i].ProductID[:], merged[j].ProductID[:]) < 0
	})
	return merged, nil
}

func heldProducts(reservations []Reservation) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, r := range reservations {
		if r.Status == ReservationReserved && !seen[r.ProductID] {
			seen[r.ProductID] = true
			ids = append(ids, r.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}
