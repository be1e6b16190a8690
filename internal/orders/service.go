package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/inventory"
	"github.com/gastronom/gastronom/internal/pricing"
	"github.com/gastronom/gastronom/internal/shared"
)

const idempotencyModule = "orders.create"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	CustomerStats(ctx context.Context, customerID string) (CustomerStats, error)
	History(ctx context.Context, orderID uuid.UUID) ([]StatusChange, error)
}

// ProductReader loads live catalog products at checkout.
type ProductReader interface {
	Get(ctx context.Context, id uuid.UUID) (catalog.Product, error)
}

// Ledger is the stock side effect of status transitions.
type Ledger interface {
	ReserveAll(ctx context.Context, orderID uuid.UUID, items []inventory.ReserveItem) ([]inventory.Reservation, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
	ReleaseOrder(ctx context.Context, orderID uuid.UUID) error
	CommitOrder(ctx context.Context, orderID uuid.UUID) error
}

// Idempotency remembers which order a create request produced.
type Idempotency interface {
	Lookup(ctx context.Context, module, key string) (string, bool, error)
	Remember(ctx context.Context, module, key, ref string) error
	Delete(ctx context.Context, module, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Metrics receives transition outcomes.
type Metrics interface {
	ObserveTransition(from, to, result string)
}

// Config holds pricing policy inputs.
type Config struct {
	Fidelity       pricing.FidelityConfig
	SpendingPolicy SpendingPolicy
}

// Service drives the order state machine.
type Service struct {
	repo        RepositoryPort
	products    ProductReader
	ledger      Ledger
	cfg         Config
	idempotency Idempotency
	audit       AuditPort
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises optional collaborators.
type Option func(*Service)

// WithIdempotency enables idempotency keys on create.
func WithIdempotency(store Idempotency) Option { return func(s *Service) { s.idempotency = store } }

// WithAudit records transitions.
func WithAudit(audit AuditPort) Option { return func(s *Service) { s.audit = audit } }

// WithMetrics reports transition outcomes.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(s *Service) { s.logger = logger } }

// NewService constructs Service. The config must already be validated.
func NewService(repo RepositoryPort, products ProductReader, ledger Ledger, cfg Config, opts ...Option) *Service {
	if !cfg.SpendingPolicy.Valid() {
		cfg.SpendingPolicy = SpendOnDelivered
	}
	s := &Service{repo: repo, products: products, ledger: ledger, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Create snapshots line items and totals into a new pending order.
// No stock is touched until confirmation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, error) {
	actor := shared.ActorFromContext(ctx)
	if actor.Role == shared.RoleCustomer {
		in.CustomerID = actor.ID
	}
	if err := validateCreate(in); err != nil {
		return Order{}, err
	}
	if !in.DeliveryEligible {
		return Order{}, ErrNotEligibleForDelivery
	}

	orderID := uuid.New()
	if in.IdempotencyKey != "" && s.idempotency != nil {
		key := in.CustomerID + ":" + in.IdempotencyKey
		existing, found, err := s.claimKey(ctx, key, orderID)
		if err != nil {
			return Order{}, err
		}
		if found {
			return existing, nil
		}
		order, err := s.create(ctx, orderID, in)
		if err != nil {
			if derr := s.idempotency.Delete(context.WithoutCancel(ctx), idempotencyModule, key); derr != nil {
				s.logger.Warn("orders: release idempotency key", slog.String("order_id", orderID.String()), slog.Any("error", derr))
			}
			return Order{}, err
		}
		return order, nil
	}
	return s.create(ctx, orderID, in)
}

func (s *Service) claimKey(ctx context.Context, key string, orderID uuid.UUID) (Order, bool, error) {
	err := s.idempotency.Remember(ctx, idempotencyModule, key, orderID.String())
	if err == nil {
		return Order{}, false, nil
	}
	if !errors.Is(err, shared.ErrIdempotencyConflict) {
		return Order{}, false, err
	}
	ref, ok, err := s.idempotency.Lookup(ctx, idempotencyModule, key)
	if err != nil {
		return Order{}, false, err
	}
	if !ok {
		return Order{}, false, ErrRequestInFlight
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return Order{}, false, fmt.Errorf("orders: stored idempotency ref %q: %w", ref, err)
	}
	existing, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Order{}, false, ErrRequestInFlight
	}
	if err != nil {
		return Order{}, false, err
	}
	return existing, true, nil
}

func (s *Service) create(ctx context.Context, orderID uuid.UUID, in CreateInput) (Order, error) {
	items := make([]Item, 0, len(in.Items))
	subtotal := decimal.Zero
	for _, line := range in.Items {
		product, err := s.products.Get(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return Order{}, fmt.Errorf("%w: %s", ErrProductUnavailable, line.ProductID)
			}
			return Order{}, err
		}
		if !product.Orderable() {
			return Order{}, fmt.Errorf("%w: %s", ErrProductUnavailable, line.ProductID)
		}
		if err := pricing.ValidateQuantity(product.SellingUnit, line.Quantity); err != nil {
			return Order{}, fmt.Errorf("%w: product %s: %w", ErrInvalidInput, line.ProductID, err)
		}
		price, err := pricing.EffectivePrice(product)
		if err != nil {
			return Order{}, fmt.Errorf("%w: %s: %w", ErrProductUnavailable, line.ProductID, err)
		}
		total := pricing.LineTotal(price, line.Quantity)
		items = append(items, Item{
			ID:          uuid.New(),
			ProductID:   product.ID,
			Name:        product.DisplayName(),
			Barcode:     product.Barcode,
			SellingUnit: product.SellingUnit,
			UnitPrice:   price,
			Quantity:    line.Quantity,
			LineTotal:   total,
		})
		subtotal = subtotal.Add(total)
	}

	stats, err := s.repo.CustomerStats(ctx, in.CustomerID)
	if err != nil {
		return Order{}, err
	}
	percent := s.cfg.Fidelity.DiscountPercent(stats.TotalSpent)
	discount := s.cfg.Fidelity.Discount(subtotal, stats.TotalSpent)
	fee := pricing.RoundMoney(in.DeliveryFee)

	now := s.now()
	order := Order{
		ID:              orderID,
		CustomerID:      in.CustomerID,
		Status:          StatusPending,
		PaymentStatus:   PaymentUnpaid,
		Items:           items,
		Subtotal:        subtotal,
		DiscountPercent: percent,
		DiscountAmount:  discount,
		DeliveryFee:     fee,
		Total:           subtotal.Sub(discount).Add(fee),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	actor := shared.ActorFromContext(ctx)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.InsertStatusChange(ctx, StatusChange{OrderID: order.ID, To: StatusPending, ActorID: actor.ID, At: now})
	})
	if err != nil {
		s.observe("", StatusPending, "error")
		return Order{}, err
	}
	s.observe("", StatusPending, "ok")
	s.record(ctx, "order.create", order.ID, map[string]any{"total": order.Total.String(), "items": len(items)})
	return order, nil
}

// Transition moves an order along the transition table and applies the
// stock side effect of the edge.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (Order, error) {
	if in.OrderID == uuid.Nil || !in.Target.Valid() {
		return Order{}, fmt.Errorf("%w: order id and a known target status are required", ErrInvalidInput)
	}
	current, err := s.repo.Get(ctx, in.OrderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeTransition(shared.ActorFromContext(ctx), current, in.Target); err != nil {
		return Order{}, err
	}
	if !CanTransition(current.Status, in.Target) {
		s.observe(current.Status, in.Target, "rejected")
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, in.Target)
	}

	var updated Order
	switch in.Target {
	case StatusConfirmed:
		updated, err = s.confirm(ctx, current, in)
	case StatusCancelled:
		updated, err = s.changeStatus(ctx, in)
		if err == nil {
			updated.SettlementPending = !s.settle(ctx, updated.ID, "release", s.ledger.ReleaseOrder)
		}
	case StatusDelivered:
		updated, err = s.changeStatus(ctx, in)
		if err == nil {
			updated.SettlementPending = !s.settle(ctx, updated.ID, "commit", s.ledger.CommitOrder)
		}
	default:
		updated, err = s.changeStatus(ctx, in)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, inventory.ErrInsufficientStock) {
			result = "insufficient_stock"
		} else if errors.Is(err, ErrInvalidTransition) {
			result = "rejected"
		}
		s.observe(current.Status, in.Target, result)
		return Order{}, err
	}
	s.observe(current.Status, in.Target, "ok")
	s.record(ctx, "order.transition", updated.ID, map[string]any{
		"from":   string(current.Status),
		"to":     string(updated.Status),
		"reason": in.Reason,
	})
	return updated, nil
}

// confirm holds the order row lock while it reserves every line and flips
// the status, so a concurrent confirmation waits and then sees the order
// already confirmed. Reservations taken by a failed attempt are returned
// while the order is still pending.
func (s *Service) confirm(ctx context.Context, current Order, in TransitionInput) (Order, error) {
	var created []inventory.Reservation
	var updated Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if !CanTransition(order.Status, in.Target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, in.Target)
		}
		items := make([]inventory.ReserveItem, 0, len(order.Items))
		for _, item := range order.Items {
			items = append(items, inventory.ReserveItem{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		created, err = s.ledger.ReserveAll(ctx, order.ID, items)
		if err != nil {
			return err
		}
		updated, err = s.writeStatus(ctx, tx, order, in)
		return err
	})
	if err != nil {
		if len(created) > 0 {
			s.rollbackReservations(ctx, current.ID, created)
		}
		return Order{}, err
	}
	return updated, nil
}

// rollbackReservations releases reservations of a failed confirmation. It
// re-locks the order and leaves them alone once another attempt confirmed
// it, since that attempt adopted them.
func (s *Service) rollbackReservations(ctx context.Context, orderID uuid.UUID, created []inventory.Reservation) {
	bg := context.WithoutCancel(ctx)
	err := s.repo.WithTx(bg, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != StatusPending {
			s.logger.Warn("orders: keep reservations of confirmed order", slog.String("order_id", orderID.String()),
				slog.String("status", string(order.Status)))
			return nil
		}
		var errs []error
		for _, res := range created {
			if rerr := s.ledger.Release(ctx, res.ID); rerr != nil {
				errs = append(errs, fmt.Errorf("reservation %s: %w", res.ID, rerr))
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		s.logger.Error("orders: roll back reservations", slog.String("order_id", orderID.String()), slog.Any("error", err))
	}
}

// changeStatus re-reads the order under lock so a concurrent transition
// cannot slip between the check and the write.
func (s *Service) changeStatus(ctx context.Context, in TransitionInput) (Order, error) {
	var updated Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}
		updated, err = s.writeStatus(ctx, tx, order, in)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// writeStatus applies the edge to an order already locked by tx.
func (s *Service) writeStatus(ctx context.Context, tx TxRepository, order Order, in TransitionInput) (Order, error) {
	from := order.Status
	if !CanTransition(from, in.Target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, in.Target)
	}
	actor := shared.ActorFromContext(ctx)
	now := s.now()
	order.Status = in.Target
	order.UpdatedAt = now
	switch in.Target {
	case StatusConfirmed:
		order.ConfirmedAt = &now
	case StatusDelivered:
		order.DeliveredAt = &now
	case StatusCancelled:
		order.CancelledAt = &now
		order.CancelReason = in.Reason
		order.CancelledBy = actor.ID
	}
	if err := tx.UpdateState(ctx, order); err != nil {
		return Order{}, err
	}
	if err := tx.InsertStatusChange(ctx, StatusChange{OrderID: order.ID, From: from, To: in.Target, ActorID: actor.ID, Reason: in.Reason, At: now}); err != nil {
		return Order{}, err
	}
	if err := s.applySpending(ctx, tx, order, from); err != nil {
		return Order{}, err
	}
	return order, nil
}

// applySpending counts the order toward the customer aggregate on the
// policy transition. Under the confirmed policy a cancellation after
// confirmation takes the order back out.
func (s *Service) applySpending(ctx context.Context, tx TxRepository, order Order, from Status) error {
	var sign int64
	switch {
	case s.cfg.SpendingPolicy == SpendOnDelivered && order.Status == StatusDelivered:
		sign = 1
	case s.cfg.SpendingPolicy == SpendOnConfirmed && order.Status == StatusConfirmed:
		sign = 1
	case s.cfg.SpendingPolicy == SpendOnConfirmed && order.Status == StatusCancelled && from == StatusConfirmed:
		sign = -1
	default:
		return nil
	}
	stats, err := tx.GetCustomerStatsForUpdate(ctx, order.CustomerID)
	if err != nil {
		return err
	}
	stats.CustomerID = order.CustomerID
	if sign > 0 {
		stats.TotalSpent = stats.TotalSpent.Add(order.Total)
		stats.OrderCount++
	} else {
		stats.TotalSpent = decimal.Max(decimal.Zero, stats.TotalSpent.Sub(order.Total))
		if stats.OrderCount > 0 {
			stats.OrderCount--
		}
	}
	return tx.SaveCustomerStats(ctx, stats)
}

// settle ends the order's reservations after the status has committed and
// reports whether it succeeded. A failure leaves the reservations for the
// sweep job.
func (s *Service) settle(ctx context.Context, orderID uuid.UUID, action string, fn func(context.Context, uuid.UUID) error) bool {
	if err := fn(context.WithoutCancel(ctx), orderID); err != nil {
		s.logger.Error("orders: settle reservations", slog.String("order_id", orderID.String()),
			slog.String("action", action), slog.Any("error", err))
		return false
	}
	return true
}

// UpdatePaymentStatus records what the payment collaborator reported.
func (s *Service) UpdatePaymentStatus(ctx context.Context, orderID uuid.UUID, status PaymentStatus) (Order, error) {
	if !status.Valid() {
		return Order{}, fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, status)
	}
	var updated Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus == status {
			updated = order
			return nil
		}
		order.PaymentStatus = status
		order.UpdatedAt = s.now()
		if err := tx.UpdateState(ctx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, "order.payment_status", orderID, map[string]any{"payment_status": string(status)})
	return updated, nil
}

// Get returns an order visible to the current actor.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeRead(shared.ActorFromContext(ctx), order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// Breakdown returns the charge summary fixed at creation.
func (s *Service) Breakdown(ctx context.Context, id uuid.UUID) (Breakdown, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		OrderID:         order.ID,
		Items:           order.Items,
		Subtotal:        order.Subtotal,
		DiscountPercent: order.DiscountPercent,
		DiscountAmount:  order.DiscountAmount,
		DeliveryFee:     order.DeliveryFee,
		Total:           order.Total,
		PaymentStatus:   order.PaymentStatus,
	}, nil
}

// History lists the status changes of an order.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]StatusChange, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

// CustomerStats returns the spending aggregate and the discount it earns.
func (s *Service) CustomerStats(ctx context.Context, customerID string) (CustomerStats, decimal.Decimal, error) {
	actor := shared.ActorFromContext(ctx)
	if actor.Role == shared.RoleCustomer && actor.ID != customerID {
		return CustomerStats{}, decimal.Zero, ErrForbidden
	}
	stats, err := s.repo.CustomerStats(ctx, customerID)
	if err != nil {
		return CustomerStats{}, decimal.Zero, err
	}
	return stats, s.cfg.Fidelity.DiscountPercent(stats.TotalSpent), nil
}

func validateCreate(in CreateInput) error {
	if in.CustomerID == "" {
		return fmt.Errorf("%w: customer id required", ErrInvalidInput)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: at least one item required", ErrInvalidInput)
	}
	for i, item := range in.Items {
		if item.ProductID == uuid.Nil {
			return fmt.Errorf("%w: item %d: product id required", ErrInvalidInput, i)
		}
	}
	if in.DeliveryFee.IsNegative() {
		return fmt.Errorf("%w: delivery fee must not be negative", ErrInvalidInput)
	}
	return nil
}

func authorizeRead(actor shared.Actor, order Order) error {
	if actor.Role == shared.RoleCustomer && actor.ID != order.CustomerID {
		return ErrForbidden
	}
	return nil
}

// Customers may only cancel their own orders; every other edge is staff
// or system driven.
func authorizeTransition(actor shared.Actor, order Order, target Status) error {
	if actor.Role != shared.RoleCustomer {
		return nil
	}
	if actor.ID != order.CustomerID || target != StatusCancelled {
		return ErrForbidden
	}
	return nil
}

func (s *Service) observe(from, to Status, result string) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(from), string(to), result)
	}
}

func (s *Service) record(ctx context.Context, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	actor := shared.ActorFromContext(ctx)
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "order",
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("orders: audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
