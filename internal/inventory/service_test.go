package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gastronom/gastronom/internal/catalog"
)

type memoryRepo struct {
	mu           sync.Mutex
	levels       map[uuid.UUID]Level
	reservations map[uuid.UUID]Reservation
	movements    []Movement
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{levels: make(map[uuid.UUID]Level), reservations: make(map[uuid.UUID]Reservation)}
}

func (r *memoryRepo) addProduct(synced, buffer int64) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.levels[id] = Level{ProductID: id, SellingUnit: catalog.UnitPiece, Synced: decimal.NewFromInt(synced), Buffer: decimal.NewFromInt(buffer)}
	return id
}

func (r *memoryRepo) level(id uuid.UUID) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[id]
}

func (r *memoryRepo) setSynced(id uuid.UUID, synced int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.levels[id]
	l.Synced = decimal.NewFromInt(synced)
	r.levels[id] = l
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	levels := make(map[uuid.UUID]Level, len(r.levels))
	for k, v := range r.levels {
		levels[k] = v
	}
	reservations := make(map[uuid.UUID]Reservation, len(r.reservations))
	for k, v := range r.reservations {
		reservations[k] = v
	}
	movements := len(r.movements)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.levels, r.reservations, r.movements = levels, reservations, r.movements[:movements]
		return err
	}
	return nil
}

func (r *memoryRepo) GetReservation(_ context.Context, id uuid.UUID) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (r *memoryRepo) ListOrderReservations(_ context.Context, orderID uuid.UUID) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderReservations(orderID), nil
}

func (r *memoryRepo) orderReservations(orderID uuid.UUID) []Reservation {
	var out []Reservation
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	return out
}

func (r *memoryRepo) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, m := range r.movements {
		if m.ProductID == filter.ProductID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (catalog.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.levels[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return catalog.Product{
		ID: id, ExternalID: "X", Name: "P",
		SellingUnit: l.SellingUnit, PricingUnit: l.SellingUnit,
		SyncedPrice: decimal.RequireFromString("2.50"),
		SyncedStock: l.Synced, StockOverride: l.Override, StockBuffer: l.Buffer,
		IsAvailable: true, ReviewState: catalog.ReviewApproved,
	}, nil
}

func (tx *memoryTx) GetLevelForUpdate(_ context.Context, id uuid.UUID) (Level, error) {
	l, ok := tx.repo.levels[id]
	if !ok {
		return Level{}, catalog.ErrNotFound
	}
	return l, nil
}

func (tx *memoryTx) ApplyDelta(_ context.Context, id uuid.UUID, field StockField, delta decimal.Decimal) (Level, error) {
	l, ok := tx.repo.levels[id]
	if !ok {
		return Level{}, catalog.ErrNotFound
	}
	if field == FieldOverride {
		if l.Override == nil {
			return Level{}, catalog.ErrNotFound
		}
		v := l.Override.Add(delta)
		l.Override = &v
	} else {
		l.Synced = l.Synced.Add(delta)
	}
	tx.repo.levels[id] = l
	return l, nil
}

func (tx *memoryTx) SetOverride(_ context.Context, id uuid.UUID, value *decimal.Decimal) (Level, error) {
	l := tx.repo.levels[id]
	l.Override = value
	tx.repo.levels[id] = l
	return l, nil
}

func (tx *memoryTx) SetBuffer(_ context.Context, id uuid.UUID, buffer decimal.Decimal) (Level, error) {
	l := tx.repo.levels[id]
	l.Buffer = buffer
	tx.repo.levels[id] = l
	return l, nil
}

func (tx *memoryTx) InsertReservation(_ context.Context, res Reservation) error {
	tx.repo.reservations[res.ID] = res
	return nil
}

func (tx *memoryTx) GetReservationForUpdate(_ context.Context, id uuid.UUID) (Reservation, error) {
	res, ok := tx.repo.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (tx *memoryTx) ListOrderReservationsForUpdate(_ context.Context, orderID uuid.UUID) ([]Reservation, error) {
	return tx.repo.orderReservations(orderID), nil
}

func (tx *memoryTx) UpdateReservationStatus(_ context.Context, id uuid.UUID, status ReservationStatus, at time.Time) error {
	res, ok := tx.repo.reservations[id]
	if !ok {
		return ErrReservationNotFound
	}
	res.Status = status
	res.ResolvedAt = &at
	tx.repo.reservations[id] = res
	return nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m Movement) error {
	m.ID = int64(len(tx.repo.movements) + 1)
	tx.repo.movements = append(tx.repo.movements, m)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) PublishStockEvents(_ context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func qty(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestReserveRespectsBuffer(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	productID := repo.addProduct(10, 5)

	require.True(t, repo.level(productID).Effective().Equal(qty(5)))

	_, err := ledger.Reserve(ctx, uuid.New(), productID, qty(5))
	require.NoError(t, err)
	require.True(t, repo.level(productID).Effective().IsZero())

	_, err = ledger.Reserve(ctx, uuid.New(), productID, qty(1))
	require.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, productID, insufficient.ProductID)
	require.True(t, insufficient.Available.IsZero())
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	productID := repo.addProduct(15, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), uuid.New(), productID, qty(1))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if assertInsufficient(err) {
				insufficient++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	require.Equal(t, 54, insufficient)
	require.True(t, repo.level(productID).Synced.Equal(qty(5)))
}

func assertInsufficient(err error) bool {
	_, ok := err.(*InsufficientStockError)
	return ok
}

func TestReleaseIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	productID := repo.addProduct(10, 0)

	res, err := ledger.Reserve(ctx, uuid.New(), productID, qty(3))
	require.NoError(t, err)
	require.True(t, repo.level(productID).Synced.Equal(qty(7)))

	require.NoError(t, ledger.Release(ctx, res.ID))
	require.NoError(t, ledger.Release(ctx, res.ID))
	require.True(t, repo.level(productID).Synced.Equal(qty(10)))

	stored, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, ReservationReleased, stored.Status)

	require.ErrorIs(t, ledger.Release(ctx, uuid.New()), ErrReservationNotFound)
}

func TestReserveAllIsAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	plenty := repo.addProduct(50, 5)
	scarce := repo.addProduct(6, 5)
	orderID := uuid.New()

	_, err := ledger.ReserveAll(ctx, orderID, []ReserveItem{
		{ProductID: plenty, Quantity: qty(4)},
		{ProductID: scarce, Quantity: qty(2)},
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, scarce, insufficient.ProductID)

	require.True(t, repo.level(plenty).Synced.Equal(qty(50)))
	require.True(t, repo.level(scarce).Synced.Equal(qty(6)))
	held, err := repo.ListOrderReservations(ctx, orderID)
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestReserveAllMergesLinesAndSkipsHeldProducts(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	productID := repo.addProduct(20, 0)
	orderID := uuid.New()

	created, err := ledger.ReserveAll(ctx, orderID, []ReserveItem{
		{ProductID: productID, Quantity: qty(2)},
		{ProductID: productID, Quantity: qty(3)},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.True(t, created[0].Quantity.Equal(qty(5)))

	again, err := ledger.ReserveAll(ctx, orderID, []ReserveItem{{ProductID: productID, Quantity: qty(5)}})
	require.NoError(t, err)
	require.Empty(t, again)
	require.True(t, repo.level(productID).Synced.Equal(qty(15)))

	_, err = ledger.ReserveAll(ctx, orderID, []ReserveItem{{ProductID: productID, Quantity: qty(0)}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReservationDrawsFromOverride(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	productID := repo.addProduct(100, 2)

	_, err := ledger.SetStockOverride(ctx, productID, qty(6))
	require.NoError(t, err)
	require.True(t, repo.level(productID).Effective().Equal(qty(4)))

	res, err := ledger.Reserve(ctx, uuid.New(), productID, qty(4))
	require.NoError(t, err)
	require.Equal(t, FieldOverride, res.Field)
	require.True(t, repo.level(productID).Override.Equal(qty(2)))
	require.True(t, repo.level(productID).Synced.Equal(qty(100)))

	// sync resets the baseline while the override is active
	repo.setSynced(productID, 80)
	require.True(t, repo.level(productID).Effective().IsZero())

	require.NoError(t, ledger.Release(ctx, res.ID))
	require.True(t, repo.level(productID).Override.Equal(qty(6)))
	require.True(t, repo.level(productID).Synced.Equal(qty(80)))
}

func TestReleaseAfterOverrideClearedCreditsNothing(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	productID := repo.addProduct(30, 0)

	_, err := ledger.SetStockOverride(ctx, productID, qty(5))
	require.NoError(t, err)
	res, err := ledger.Reserve(ctx, uuid.New(), productID, qty(5))
	require.NoError(t, err)

	_, err = ledger.ClearStockOverride(ctx, productID)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, res.ID))

	l := repo.level(productID)
	require.Nil(t, l.Override)
	require.True(t, l.Synced.Equal(qty(30)))
}

func TestReservationsActOnCurrentBaseline(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	ctx := context.Background()
	productID := repo.addProduct(10, 0)

	res, err := ledger.Reserve(ctx, uuid.New(), productID, qty(4))
	require.NoError(t, err)
	repo.setSynced(productID, 25)
	require.NoError(t, ledger.Release(ctx, res.ID))
	require.True(t, repo.level(productID).Synced.Equal(qty(29)))
}

func TestReleaseOrderAndCommitOrder(t *testing.T) {
	repo := newMemoryRepo()
	pub := &recordingPublisher{}
	ledger := NewLedger(repo, repo, WithPublisher(pub))
	ctx := context.Background()
	a := repo.addProduct(10, 0)
	b := repo.addProduct(10, 0)

	cancelled := uuid.New()
	_, err := ledger.ReserveAll(ctx, cancelled, []ReserveItem{{ProductID: a, Quantity: qty(2)}, {ProductID: b, Quantity: qty(1)}})
	require.NoError(t, err)
	require.NoError(t, ledger.ReleaseOrder(ctx, cancelled))
	require.NoError(t, ledger.ReleaseOrder(ctx, cancelled))
	require.True(t, repo.level(a).Synced.Equal(qty(10)))
	require.True(t, repo.level(b).Synced.Equal(qty(10)))

	delivered := uuid.New()
	reserved, err := ledger.ReserveAll(ctx, delivered, []ReserveItem{{ProductID: a, Quantity: qty(3)}})
	require.NoError(t, err)
	require.NoError(t, ledger.CommitOrder(ctx, delivered))
	require.NoError(t, ledger.Release(ctx, reserved[0].ID))
	require.True(t, repo.level(a).Synced.Equal(qty(7)))

	types := map[EventType]int{}
	for _, e := range pub.events {
		types[e.Type]++
	}
	require.Equal(t, 3, types[EventReserved])
	require.Equal(t, 2, types[EventReleased])
	require.Equal(t, 1, types[EventCommitted])
}

func TestReserveEventFlagsLowStock(t *testing.T) {
	repo := newMemoryRepo()
	pub := &recordingPublisher{}
	ledger := NewLedger(repo, repo, WithPublisher(pub))
	productID := repo.addProduct(12, 2)

	_, err := ledger.Reserve(context.Background(), uuid.New(), productID, qty(8))
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	require.True(t, pub.events[0].LowStock)
	require.True(t, pub.events[0].EffectiveAfter.Equal(qty(2)))
}

func TestSetStockBufferRejectsNegative(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	productID := repo.addProduct(10, 0)

	_, err := ledger.SetStockBuffer(context.Background(), productID, qty(-1))
	require.ErrorIs(t, err, catalog.ErrNegativeBuffer)

	level, err := ledger.SetStockBuffer(context.Background(), productID, qty(3))
	require.NoError(t, err)
	require.True(t, level.Effective().Equal(qty(7)))

	movements, err := ledger.Movements(context.Background(), MovementFilter{ProductID: productID})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, MovementBufferSet, movements[0].Kind)
}

func TestProjection(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, repo)
	productID := repo.addProduct(3, 5)

	proj, err := ledger.Projection(context.Background(), productID)
	require.NoError(t, err)
	require.True(t, proj.EffectiveStock.IsZero())
	require.True(t, proj.SignedStock.Equal(qty(-2)))
	require.True(t, proj.BufferBreached)
	require.False(t, proj.Orderable)
	require.NotNil(t, proj.EffectivePrice)
	require.True(t, proj.EffectivePrice.Equal(decimal.RequireFromString("2.50")))
}
