// Package catalogtest provides an in-memory catalog repository for tests.
package catalogtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gastronom/gastronom/internal/catalog"
)

// MemoryRepo implements catalog.RepositoryPort. Transactions are
// serialized and rolled back on error.
type MemoryRepo struct {
	mu         sync.Mutex
	products   map[uuid.UUID]catalog.Product
	categories map[uuid.UUID]catalog.Category
	touched    map[uuid.UUID]int
}

// NewMemoryRepo returns an empty repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		products:   make(map[uuid.UUID]catalog.Product),
		categories: make(map[uuid.UUID]catalog.Category),
		touched:    make(map[uuid.UUID]int),
	}
}

// Put stores p directly, assigning an id when missing.
func (r *MemoryRepo) Put(p catalog.Product) catalog.Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.products[p.ID] = p
	return p
}

// Product returns the stored product.
func (r *MemoryRepo) Product(id uuid.UUID) (catalog.Product, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	return p, ok
}

// ByExternalID finds a stored product by external id.
func (r *MemoryRepo) ByExternalID(externalID string) (catalog.Product, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.products {
		if p.ExternalID == externalID {
			return p, true
		}
	}
	return catalog.Product{}, false
}

// Count returns the number of stored products.
func (r *MemoryRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.products)
}

// Updates returns how many full updates a product received.
func (r *MemoryRepo) Updates(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touched[id]
}

// WithTx runs fn under the repository lock and restores state on error.
func (r *MemoryRepo) WithTx(ctx context.Context, fn func(context.Context, catalog.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	products := make(map[uuid.UUID]catalog.Product, len(r.products))
	for k, v := range r.products {
		products[k] = v
	}
	categories := make(map[uuid.UUID]catalog.Category, len(r.categories))
	for k, v := range r.categories {
		categories[k] = v
	}
	touched := make(map[uuid.UUID]int, len(r.touched))
	for k, v := range r.touched {
		touched[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.products, r.categories, r.touched = products, categories, touched
		return err
	}
	return nil
}

// Get loads a product by id.
func (r *MemoryRepo) Get(_ context.Context, id uuid.UUID) (catalog.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

// List returns products matching filter ordered by name.
func (r *MemoryRepo) List(_ context.Context, filter catalog.ListFilter) ([]catalog.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []catalog.Product{}
	for _, p := range r.products {
		if filter.ReviewState != "" && p.ReviewState != filter.ReviewState {
			continue
		}
		if filter.AvailableOnly && !p.IsAvailable {
			continue
		}
		if filter.CategoryID != nil && (p.CategoryID == nil || *p.CategoryID != *filter.CategoryID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListCategories returns the flat category list.
func (r *MemoryRepo) ListCategories(context.Context) ([]catalog.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	return out, nil
}

// AddCategory stores a category.
func (r *MemoryRepo) AddCategory(c catalog.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories[c.ID] = c
}

// RetireMissing mirrors the SQL implementation.
func (r *MemoryRepo) RetireMissing(_ context.Context, externalIDs, barcodes []string, at time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seenExt := toSet(externalIDs)
	seenBar := toSet(barcodes)
	var ids []uuid.UUID
	for id, p := range r.products {
		if !p.IsAvailable || (p.ExternalID == "" && p.Barcode == "") {
			continue
		}
		if p.ExternalID != "" && seenExt[p.ExternalID] {
			continue
		}
		if p.Barcode != "" && seenBar[p.Barcode] {
			continue
		}
		p.IsAvailable = false
		p.RetiredBySync = true
		p.UpdatedAt = at
		r.products[id] = p
		ids = append(ids, id)
	}
	return ids, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

type memoryTx struct {
	repo *MemoryRepo
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id uuid.UUID) (catalog.Product, error) {
	p, ok := tx.repo.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (tx *memoryTx) FindByExternalIDForUpdate(_ context.Context, externalID string) (catalog.Product, error) {
	for _, p := range tx.repo.products {
		if p.ExternalID == externalID {
			return p, nil
		}
	}
	return catalog.Product{}, catalog.ErrNotFound
}

func (tx *memoryTx) FindByBarcodeForUpdate(_ context.Context, barcode string) (catalog.Product, error) {
	for _, p := range tx.repo.products {
		if p.Barcode == barcode {
			return p, nil
		}
	}
	return catalog.Product{}, catalog.ErrNotFound
}

func (tx *memoryTx) Insert(_ context.Context, p catalog.Product) error {
	if err := tx.checkUnique(p); err != nil {
		return err
	}
	tx.repo.products[p.ID] = stored(p)
	return nil
}

func (tx *memoryTx) Update(_ context.Context, p catalog.Product) error {
	if _, ok := tx.repo.products[p.ID]; !ok {
		return catalog.ErrNotFound
	}
	if err := tx.checkUnique(p); err != nil {
		return err
	}
	tx.repo.products[p.ID] = stored(p)
	tx.repo.touched[p.ID]++
	return nil
}

func (tx *memoryTx) TouchSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	p, ok := tx.repo.products[id]
	if !ok {
		return catalog.ErrNotFound
	}
	p.LastSyncedAt = &at
	tx.repo.products[id] = p
	return nil
}

func (tx *memoryTx) FindCategoryByName(_ context.Context, name string) (uuid.UUID, error) {
	for _, c := range tx.repo.categories {
		if strings.EqualFold(c.Name, name) {
			return c.ID, nil
		}
	}
	return uuid.Nil, catalog.ErrNotFound
}

// stored rounds numeric columns to the scale PostgreSQL keeps.
func stored(p catalog.Product) catalog.Product {
	p.SyncedPrice = p.SyncedPrice.Round(catalog.PriceScale)
	p.SyncedStock = p.SyncedStock.Round(catalog.StockScale)
	if p.PriceOverride != nil {
		v := p.PriceOverride.Round(catalog.PriceScale)
		p.PriceOverride = &v
	}
	if p.StockOverride != nil {
		v := p.StockOverride.Round(catalog.StockScale)
		p.StockOverride = &v
	}
	return p
}

func (tx *memoryTx) checkUnique(p catalog.Product) error {
	for id, other := range tx.repo.products {
		if id == p.ID {
			continue
		}
		if (p.ExternalID != "" && other.ExternalID == p.ExternalID) || (p.Barcode != "" && other.Barcode == p.Barcode) {
			return catalog.ErrDuplicate
		}
	}
	return nil
}
