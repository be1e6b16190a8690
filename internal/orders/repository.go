package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/platform/db"
)

// Repository persists orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertOrder(ctx context.Context, o Order) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (Order, error)
	UpdateState(ctx context.Context, o Order) error
	InsertStatusChange(ctx context.Context, change StatusChange) error
	GetCustomerStatsForUpdate(ctx context.Context, customerID string) (CustomerStats, error)
	SaveCustomerStats(ctx context.Context, stats CustomerStats) error
}

type txRepository struct {
	tx pgx.Tx
}

const orderColumns = `id, customer_id, status, payment_status, subtotal, discount_percent, discount_amount, delivery_fee, total,
cancel_reason, cancelled_by, created_at, updated_at, confirmed_at, delivered_at, cancelled_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("orders repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads an order with its items.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	return loadOrder(ctx, r.pool, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

// CustomerStats returns the spending aggregate, zero when none exists.
func (r *Repository) CustomerStats(ctx context.Context, customerID string) (CustomerStats, error) {
	return scanStats(r.pool.QueryRow(ctx, `SELECT customer_id, total_spent, order_count FROM customer_stats WHERE customer_id=$1`, customerID), customerID)
}

// History lists status changes oldest first.
func (r *Repository) History(ctx context.Context, orderID uuid.UUID) ([]StatusChange, error) {
	rows, err := r.pool.Query(ctx, `SELECT order_id, from_status, to_status, actor_id, reason, at FROM order_status_history WHERE order_id=$1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusChange
	for rows.Next() {
		var c StatusChange
		var from, to string
		if err := rows.Scan(&c.OrderID, &from, &to, &c.ActorID, &c.Reason, &c.At); err != nil {
			return nil, err
		}
		c.From, c.To = Status(from), Status(to)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertOrder(ctx context.Context, o Order) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.ID, o.CustomerID, string(o.Status), string(o.PaymentStatus), o.Subtotal, o.DiscountPercent, o.DiscountAmount, o.DeliveryFee, o.Total,
		o.CancelReason, o.CancelledBy, o.CreatedAt, o.UpdatedAt, o.ConfirmedAt, o.DeliveredAt, o.CancelledAt)
	if err != nil {
		return err
	}
	for _, item := range o.Items {
		if _, err := r.tx.Exec(ctx, `INSERT INTO order_items (id, order_id, product_id, name, barcode, selling_unit, unit_price, quantity, line_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, item.ID, o.ID, item.ProductID, item.Name, item.Barcode, string(item.SellingUnit), item.UnitPrice, item.Quantity, item.LineTotal); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Order, error) {
	return loadOrder(ctx, r.tx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

// UpdateState writes the mutable lifecycle columns only; totals and items
// are never rewritten.
func (r *txRepository) UpdateState(ctx context.Context, o Order) error {
	tag, err := r.tx.Exec(ctx, `UPDATE orders SET status=$2, payment_status=$3, cancel_reason=$4, cancelled_by=$5,
updated_at=$6, confirmed_at=$7, delivered_at=$8, cancelled_at=$9 WHERE id=$1`,
		o.ID, string(o.Status), string(o.PaymentStatus), o.CancelReason, o.CancelledBy, o.UpdatedAt, o.ConfirmedAt, o.DeliveredAt, o.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertStatusChange(ctx context.Context, c StatusChange) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO order_status_history (order_id, from_status, to_status, actor_id, reason, at) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.OrderID, string(c.From), string(c.To), c.ActorID, c.Reason, c.At)
	return err
}

func (r *txRepository) GetCustomerStatsForUpdate(ctx context.Context, customerID string) (CustomerStats, error) {
	return scanStats(r.tx.QueryRow(ctx, `SELECT customer_id, total_spent, order_count FROM customer_stats WHERE customer_id=$1 FOR UPDATE`, customerID), customerID)
}

func (r *txRepository) SaveCustomerStats(ctx context.Context, s CustomerStats) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO customer_stats (customer_id, total_spent, order_count, updated_at) VALUES ($1,$2,$3,NOW())
ON CONFLICT (customer_id) DO UPDATE SET total_spent=EXCLUDED.total_spent, order_count=EXCLUDED.order_count, updated_at=NOW()`,
		s.CustomerID, s.TotalSpent, s.OrderCount)
	return err
}

func loadOrder(ctx context.Context, q querier, query string, id uuid.UUID) (Order, error) {
	var o Order
	var status, payment string
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.CustomerID, &status, &payment, &o.Subtotal, &o.DiscountPercent, &o.DiscountAmount, &o.DeliveryFee, &o.Total,
		&o.CancelReason, &o.CancelledBy, &o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt, &o.DeliveredAt, &o.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(payment)

	rows, err := q.Query(ctx, `SELECT id, product_id, name, barcode, selling_unit, unit_price, quantity, line_total FROM order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		var unit string
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Name, &item.Barcode, &unit, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return Order{}, err
		}
		item.SellingUnit = catalog.Unit(unit)
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func scanStats(row pgx.Row, customerID string) (CustomerStats, error) {
	var s CustomerStats
	err := row.Scan(&s.CustomerID, &s.TotalSpent, &s.OrderCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustomerStats{CustomerID: customerID, TotalSpent: decimal.Zero}, nil
	}
	return s, err
}
