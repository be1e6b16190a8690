package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the ledger. All
// stock mutations happen on a product row locked by GetLevelForUpdate.
type TxRepository interface {
	GetLevelForUpdate(ctx context.Context, productID uuid.UUID) (Level, error)
	ApplyDelta(ctx context.Context, productID uuid.UUID, field StockField, delta decimal.Decimal) (Level, error)
	SetOverride(ctx context.Context, productID uuid.UUID, value *decimal.Decimal) (Level, error)
	SetBuffer(ctx context.Context, productID uuid.UUID, buffer decimal.Decimal) (Level, error)
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error)
	ListOrderReservationsForUpdate(ctx context.Context, orderID uuid.UUID) ([]Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus, at time.Time) error
	InsertMovement(ctx context.Context, m Movement) error
}

type txRepository struct {
	tx pgx.Tx
}

const levelColumns = `id, selling_unit, synced_stock, stock_override, stock_buffer`

const reservationColumns = `id, order_id, product_id, quantity, field, status, created_at, resolved_at`

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetReservation loads a reservation without locking it.
func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id=$1`, id))
}

// ListOrderReservations returns every reservation held for an order.
func (r *Repository) ListOrderReservations(ctx context.Context, orderID uuid.UUID) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

// ListMovements returns stock card lines for one product, oldest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, reservation_id, order_id, kind, field, quantity, active_after, effective_after, actor_id, note, at
FROM stock_movements
WHERE product_id=$1 AND at BETWEEN COALESCE($2, '-infinity'::timestamptz) AND COALESCE($3, 'infinity'::timestamptz)
ORDER BY at ASC, id ASC
LIMIT $4`, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var kind, field string
		if err := rows.Scan(&m.ID, &m.ProductID, &m.ReservationID, &m.OrderID, &kind, &field, &m.Quantity, &m.ActiveAfter, &m.EffectiveAfter, &m.ActorID, &m.Note, &m.At); err != nil {
			return nil, err
		}
		m.Kind = MovementKind(kind)
		m.Field = StockField(field)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ListStaleReservations returns reservations still held by orders that
// already reached a terminal status, together with that status.
func (r *Repository) ListStaleReservations(ctx context.Context, limit int) ([]StaleReservation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.order_id, r.product_id, r.quantity, r.field, r.status, r.created_at, r.resolved_at, o.status
FROM stock_reservations r
JOIN orders o ON o.id = r.order_id
WHERE r.status = 'reserved' AND o.status IN ('cancelled', 'delivered')
ORDER BY r.created_at
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StaleReservation
	for rows.Next() {
		var s StaleReservation
		var field, status string
		if err := rows.Scan(&s.ID, &s.OrderID, &s.ProductID, &s.Quantity, &field, &status, &s.CreatedAt, &s.ResolvedAt, &s.OrderStatus); err != nil {
			return nil, err
		}
		s.Field, s.Status = StockField(field), ReservationStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *txRepository) GetLevelForUpdate(ctx context.Context, productID uuid.UUID) (Level, error) {
	return scanLevel(r.tx.QueryRow(ctx, `SELECT `+levelColumns+` FROM products WHERE id=$1 FOR UPDATE`, productID))
}

func (r *txRepository) ApplyDelta(ctx context.Context, productID uuid.UUID, field StockField, delta decimal.Decimal) (Level, error) {
	query := `UPDATE products SET synced_stock = synced_stock + $2, updated_at = NOW() WHERE id=$1 RETURNING ` + levelColumns
	if field == FieldOverride {
		query = `UPDATE products SET stock_override = stock_override + $2, updated_at = NOW() WHERE id=$1 AND stock_override IS NOT NULL RETURNING ` + levelColumns
	}
	return scanLevel(r.tx.QueryRow(ctx, query, productID, delta))
}

func (r *txRepository) SetOverride(ctx context.Context, productID uuid.UUID, value *decimal.Decimal) (Level, error) {
	var arg decimal.NullDecimal
	if value != nil {
		arg = decimal.NullDecimal{Decimal: *value, Valid: true}
	}
	return scanLevel(r.tx.QueryRow(ctx, `UPDATE products SET stock_override=$2, updated_at=NOW() WHERE id=$1 RETURNING `+levelColumns, productID, arg))
}

func (r *txRepository) SetBuffer(ctx context.Context, productID uuid.UUID, buffer decimal.Decimal) (Level, error) {
	return scanLevel(r.tx.QueryRow(ctx, `UPDATE products SET stock_buffer=$2, updated_at=NOW() WHERE id=$1 RETURNING `+levelColumns, productID, buffer))
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_reservations (`+reservationColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		res.ID, res.OrderID, res.ProductID, res.Quantity, string(res.Field), string(res.Status), res.CreatedAt, res.ResolvedAt)
	return err
}

func (r *txRepository) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return scanReservation(r.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ListOrderReservationsForUpdate(ctx context.Context, orderID uuid.UUID) ([]Reservation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE order_id=$1 ORDER BY product_id FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

func (r *txRepository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_reservations SET status=$2, resolved_at=$3 WHERE id=$1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements (product_id, reservation_id, order_id, kind, field, quantity, active_after, effective_after, actor_id, note, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ProductID, m.ReservationID, m.OrderID, string(m.Kind), string(m.Field), m.Quantity, m.ActiveAfter, m.EffectiveAfter, m.ActorID, m.Note, m.At)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLevel(row rowScanner) (Level, error) {
	var l Level
	var unit string
	var override decimal.NullDecimal
	if err := row.Scan(&l.ProductID, &unit, &l.Synced, &override, &l.Buffer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{}, catalog.ErrNotFound
		}
		return Level{}, err
	}
	l.SellingUnit = catalog.Unit(unit)
	if override.Valid {
		v := override.Decimal
		l.Override = &v
	}
	return l, nil
}

func scanReservation(row rowScanner) (Reservation, error) {
	var res Reservation
	var field, status string
	err := row.Scan(&res.ID, &res.OrderID, &res.ProductID, &res.Quantity, &field, &status, &res.CreatedAt, &res.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}
	res.Field = StockField(field)
	res.Status = ReservationStatus(status)
	return res, nil
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
