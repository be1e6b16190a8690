package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/platform/db"
)

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the row-locked operations used by the service and
// the sync reconciler.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (Product, error)
	FindByExternalIDForUpdate(ctx context.Context, externalID string) (Product, error)
	FindByBarcodeForUpdate(ctx context.Context, barcode string) (Product, error)
	Insert(ctx context.Context, p Product) error
	Update(ctx context.Context, p Product) error
	TouchSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	FindCategoryByName(ctx context.Context, name string) (uuid.UUID, error)
}

type txRepository struct {
	tx pgx.Tx
}

const productColumns = `id, external_id, barcode, lackmann_number, name, name_display, ingredients, packing_type, category_id,
selling_unit, pricing_unit, synced_price, price_override, weight_per_unit_grams, average_weight_grams,
synced_stock, stock_override, stock_buffer,
kcal, kilojoules, proteins, fat, saturated_fat, carbs, sugar, salt,
is_available, retired_by_sync, review_state, last_synced_at, created_at, updated_at`

// WithTx runs fn inside a read-committed transaction; product rows are
// locked explicitly with FOR UPDATE.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("catalog repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads a product by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Product, error) {
	return scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
}

// List returns products matching filter ordered by name.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if filter.ReviewState != "" {
		args = append(args, string(filter.ReviewState))
		where = append(where, fmt.Sprintf("review_state=$%d", len(args)))
	}
	if filter.AvailableOnly {
		where = append(where, "is_available")
	}
	if filter.CategoryID != nil {
		args = append(args, *filter.CategoryID)
		where = append(where, fmt.Sprintf("category_id=$%d", len(args)))
	}
	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY name ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// RetireMissing marks every synced product whose keys were not seen in a
// complete batch as unavailable and retired. Products without any
// correlation key are never touched.
func (r *Repository) RetireMissing(ctx context.Context, externalIDs, barcodes []string, at time.Time) ([]uuid.UUID, error) {
	if externalIDs == nil {
		externalIDs = []string{}
	}
	if barcodes == nil {
		barcodes = []string{}
	}
	rows, err := r.pool.Query(ctx, `UPDATE products
SET is_available=false, retired_by_sync=true, updated_at=$3
WHERE is_available
  AND (external_id IS NOT NULL OR barcode IS NOT NULL)
  AND (external_id IS NULL OR NOT (external_id = ANY($1)))
  AND (barcode IS NULL OR NOT (barcode = ANY($2)))
RETURNING id`, externalIDs, barcodes, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCategories returns the flat category list.
func (r *Repository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, parent_id FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) FindByExternalIDForUpdate(ctx context.Context, externalID string) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE external_id=$1 FOR UPDATE`, externalID))
}

func (r *txRepository) FindByBarcodeForUpdate(ctx context.Context, barcode string) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE barcode=$1 FOR UPDATE`, barcode))
}

func (r *txRepository) Insert(ctx context.Context, p Product) error {
	_, err := r.tx.Exec(ctx, insertProductSQL, productArgs(p)...)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func (r *txRepository) Update(ctx context.Context, p Product) error {
	tag, err := r.tx.Exec(ctx, updateProductSQL, productUpdateArgs(p)...)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) TouchSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE products SET last_synced_at=$2 WHERE id=$1`, id, at)
	return err
}

func (r *txRepository) FindCategoryByName(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.tx.QueryRow(ctx, `SELECT id FROM categories WHERE lower(name)=lower($1) ORDER BY id LIMIT 1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var externalID, barcode *string
	var sellingUnit, pricingUnit, reviewState string
	var priceOverride, stockOverride decimal.NullDecimal
	var proteins, fat, saturatedFat, carbs, sugar, salt decimal.NullDecimal
	err := row.Scan(&p.ID, &externalID, &barcode, &p.LackmannNumber, &p.Name, &p.NameDisplay, &p.Ingredients, &p.PackingType, &p.CategoryID,
		&sellingUnit, &pricingUnit, &p.SyncedPrice, &priceOverride, &p.WeightPerUnitGrams, &p.AverageWeightGrams,
		&p.SyncedStock, &stockOverride, &p.StockBuffer,
		&p.Nutrition.Kcal, &p.Nutrition.Kilojoules, &proteins, &fat, &saturatedFat, &carbs, &sugar, &salt,
		&p.IsAvailable, &p.RetiredBySync, &reviewState, &p.LastSyncedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	if externalID != nil {
		p.ExternalID = *externalID
	}
	if barcode != nil {
		p.Barcode = *barcode
	}
	p.SellingUnit = Unit(sellingUnit)
	p.PricingUnit = Unit(pricingUnit)
	p.ReviewState = ReviewState(reviewState)
	p.PriceOverride = fromNull(priceOverride)
	p.StockOverride = fromNull(stockOverride)
	p.Nutrition.Proteins = fromNull(proteins)
	p.Nutrition.Fat = fromNull(fat)
	p.Nutrition.SaturatedFat = fromNull(saturatedFat)
	p.Nutrition.Carbs = fromNull(carbs)
	p.Nutrition.Sugar = fromNull(sugar)
	p.Nutrition.Salt = fromNull(salt)
	return p, nil
}

const insertProductSQL = `INSERT INTO products (` + productColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`

// created_at never changes, so the update binds every column but that one.
const updateProductSQL = `UPDATE products SET
external_id=$2, barcode=$3, lackmann_number=$4, name=$5, name_display=$6, ingredients=$7, packing_type=$8, category_id=$9,
selling_unit=$10, pricing_unit=$11, synced_price=$12, price_override=$13, weight_per_unit_grams=$14, average_weight_grams=$15,
synced_stock=$16, stock_override=$17, stock_buffer=$18,
kcal=$19, kilojoules=$20, proteins=$21, fat=$22, saturated_fat=$23, carbs=$24, sugar=$25, salt=$26,
is_available=$27, retired_by_sync=$28, review_state=$29, last_synced_at=$30, updated_at=$31
WHERE id=$1`

func productUpdateArgs(p Product) []any {
	args := productArgs(p)
	return append(args[:30:30], p.UpdatedAt)
}

func productArgs(p Product) []any {
	return []any{
		p.ID, nullString(p.ExternalID), nullString(p.Barcode), p.LackmannNumber, p.Name, p.NameDisplay, p.Ingredients, p.PackingType, p.CategoryID,
		string(p.SellingUnit), string(p.PricingUnit), p.SyncedPrice, toNull(p.PriceOverride), p.WeightPerUnitGrams, p.AverageWeightGrams,
		p.SyncedStock, toNull(p.StockOverride), p.StockBuffer,
		p.Nutrition.Kcal, p.Nutrition.Kilojoules, toNull(p.Nutrition.Proteins), toNull(p.Nutrition.Fat), toNull(p.Nutrition.SaturatedFat),
		toNull(p.Nutrition.Carbs), toNull(p.Nutrition.Sugar), toNull(p.Nutrition.Salt),
		p.IsAvailable, p.RetiredBySync, string(p.ReviewState), p.LastSyncedAt, p.CreatedAt, p.UpdatedAt,
	}
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func toNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNull(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
