package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/inventory"
	"github.com/gastronom/gastronom/internal/pricing"
	"github.com/gastronom/gastronom/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memoryRepo struct {
	mu         sync.Mutex
	orders     map[uuid.UUID]Order
	stats      map[string]CustomerStats
	history    []StatusChange
	failUpdate error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: make(map[uuid.UUID]Order), stats: make(map[string]CustomerStats)}
}

type memoryTx struct{ repo *memoryRepo }

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make(map[uuid.UUID]Order, len(r.orders))
	for k, v := range r.orders {
		orders[k] = v
	}
	stats := make(map[string]CustomerStats, len(r.stats))
	for k, v := range r.stats {
		stats[k] = v
	}
	history := len(r.history)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.orders, r.stats, r.history = orders, stats, r.history[:history]
		return err
	}
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (r *memoryRepo) CustomerStats(_ context.Context, customerID string) (CustomerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[customerID]; ok {
		return s, nil
	}
	return CustomerStats{CustomerID: customerID}, nil
}

func (r *memoryRepo) History(_ context.Context, orderID uuid.UUID) ([]StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StatusChange
	for _, c := range r.history {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (t *memoryTx) InsertOrder(_ context.Context, o Order) error {
	t.repo.orders[o.ID] = o
	return nil
}

func (t *memoryTx) GetForUpdate(_ context.Context, id uuid.UUID) (Order, error) {
	o, ok := t.repo.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (t *memoryTx) UpdateState(_ context.Context, o Order) error {
	if t.repo.failUpdate != nil {
		return t.repo.failUpdate
	}
	t.repo.orders[o.ID] = o
	return nil
}

func (t *memoryTx) InsertStatusChange(_ context.Context, c StatusChange) error {
	t.repo.history = append(t.repo.history, c)
	return nil
}

func (t *memoryTx) GetCustomerStatsForUpdate(_ context.Context, customerID string) (CustomerStats, error) {
	if s, ok := t.repo.stats[customerID]; ok {
		return s, nil
	}
	return CustomerStats{CustomerID: customerID}, nil
}

func (t *memoryTx) SaveCustomerStats(_ context.Context, s CustomerStats) error {
	t.repo.stats[s.CustomerID] = s
	return nil
}

type productStore map[uuid.UUID]catalog.Product

func (p productStore) Get(_ context.Context, id uuid.UUID) (catalog.Product, error) {
	product, ok := p[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return product, nil
}

func (p productStore) add(sellingUnit, pricingUnit catalog.Unit, price string, avgWeight *int) uuid.UUID {
	id := uuid.New()
	p[id] = catalog.Product{
		ID: id, ExternalID: id.String(), Name: "product",
		SellingUnit: sellingUnit, PricingUnit: pricingUnit,
		SyncedPrice: dec(price), AverageWeightGrams: avgWeight,
		IsAvailable: true, ReviewState: catalog.ReviewApproved,
	}
	return id
}

type heldStock struct {
	orderID   uuid.UUID
	productID uuid.UUID
	quantity  decimal.Decimal
	status    inventory.ReservationStatus
}

// fakeLedger keeps one effective stock value per product.
type fakeLedger struct {
	mu          sync.Mutex
	stock       map[uuid.UUID]decimal.Decimal
	held        map[uuid.UUID]heldStock
	committed   []uuid.UUID
	failRelease error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{stock: make(map[uuid.UUID]decimal.Decimal), held: make(map[uuid.UUID]heldStock)}
}

func (l *fakeLedger) effective(id uuid.UUID) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[id]
}

func (l *fakeLedger) ReserveAll(_ context.Context, orderID uuid.UUID, items []inventory.ReserveItem) ([]inventory.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	need := make(map[uuid.UUID]decimal.Decimal)
	for _, item := range items {
		need[item.ProductID] = need[item.ProductID].Add(item.Quantity)
	}
	for id, qty := range need {
		if l.stock[id].LessThan(qty) {
			return nil, &inventory.InsufficientStockError{ProductID: id, Requested: qty, Available: l.stock[id]}
		}
	}
	var out []inventory.Reservation
	for id, qty := range need {
		l.stock[id] = l.stock[id].Sub(qty)
		res := inventory.Reservation{ID: uuid.New(), OrderID: orderID, ProductID: id, Quantity: qty, Status: inventory.ReservationReserved}
		l.held[res.ID] = heldStock{orderID: orderID, productID: id, quantity: qty, status: inventory.ReservationReserved}
		out = append(out, res)
	}
	return out, nil
}

func (l *fakeLedger) Release(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release(id)
	return nil
}

func (l *fakeLedger) release(id uuid.UUID) {
	h, ok := l.held[id]
	if !ok || h.status != inventory.ReservationReserved {
		return
	}
	l.stock[h.productID] = l.stock[h.productID].Add(h.quantity)
	h.status = inventory.ReservationReleased
	l.held[id] = h
}

func (l *fakeLedger) ReleaseOrder(_ context.Context, orderID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failRelease != nil {
		return l.failRelease
	}
	for id, h := range l.held {
		if h.orderID == orderID {
			l.release(id)
		}
	}
	return nil
}

func (l *fakeLedger) CommitOrder(_ context.Context, orderID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, h := range l.held {
		if h.orderID == orderID && h.status == inventory.ReservationReserved {
			h.status = inventory.ReservationCommitted
			l.held[id] = h
		}
	}
	l.committed = append(l.committed, orderID)
	return nil
}

// active returns the reservations still holding stock for an order.
func (l *fakeLedger) active(orderID uuid.UUID) []inventory.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []inventory.Reservation
	for id, h := range l.held {
		if h.orderID == orderID && h.status == inventory.ReservationReserved {
			out = append(out, inventory.Reservation{ID: id, OrderID: orderID, ProductID: h.productID, Quantity: h.quantity, Status: h.status})
		}
	}
	return out
}

// gatedLedger pauses the first ReserveAll after it reserved until resume
// is closed.
type gatedLedger struct {
	*fakeLedger
	calls    atomic.Int32
	reserved chan struct{}
	resume   chan struct{}
}

func (g *gatedLedger) ReserveAll(ctx context.Context, orderID uuid.UUID, items []inventory.ReserveItem) ([]inventory.Reservation, error) {
	out, err := g.fakeLedger.ReserveAll(ctx, orderID, items)
	if g.calls.Add(1) == 1 {
		close(g.reserved)
		<-g.resume
	}
	return out, err
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) Lookup(_ context.Context, module, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.keys[module+"/"+key]
	return ref, ok, nil
}

func (m *memoryIdempotency) Remember(_ context.Context, module, key, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[module+"/"+key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = ref
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, module, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"/"+key)
	return nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	results []string
}

func (m *recordingMetrics) ObserveTransition(from, to, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, from+">"+to+":"+result)
}

type fixture struct {
	repo     *memoryRepo
	products productStore
	ledger   *fakeLedger
	metrics  *recordingMetrics
	service  *Service
}

func newFixture(policy SpendingPolicy) *fixture {
	f := &fixture{repo: newMemoryRepo(), products: productStore{}, ledger: newFakeLedger(), metrics: &recordingMetrics{}}
	cfg := Config{Fidelity: pricing.DefaultFidelityConfig(), SpendingPolicy: policy}
	f.service = NewService(f.repo, f.products, f.ledger, cfg,
		WithIdempotency(&memoryIdempotency{keys: make(map[string]string)}),
		WithMetrics(f.metrics))
	return f
}

func (f *fixture) piece(price string, stock int64) uuid.UUID {
	id := f.products.add(catalog.UnitPiece, catalog.UnitPiece, price, nil)
	f.ledger.stock[id] = decimal.NewFromInt(stock)
	return id
}

func (f *fixture) order(t *testing.T, items ...ItemInput) Order {
	t.Helper()
	o, err := f.service.Create(context.Background(), CreateInput{
		CustomerID: "cust-1", Items: items, DeliveryFee: dec("2.50"), DeliveryEligible: true,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) move(t *testing.T, id uuid.UUID, targets ...Status) Order {
	t.Helper()
	var o Order
	var err error
	for _, target := range targets {
		o, err = f.service.Transition(context.Background(), TransitionInput{OrderID: id, Target: target})
		require.NoError(t, err, "transition to %s", target)
	}
	return o
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusConfirmed}:    true,
		{StatusPending, StatusCancelled}:    true,
		{StatusConfirmed, StatusProcessing}: true,
		{StatusConfirmed, StatusCancelled}:  true,
		{StatusProcessing, StatusShipped}:   true,
		{StatusShipped, StatusDelivered}:    true,
	}
	all := []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusShipped.Terminal())
}

func TestCreateSnapshotsTotalsWithFidelityDiscount(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	f.repo.stats["cust-1"] = CustomerStats{CustomerID: "cust-1", TotalSpent: dec("1500"), OrderCount: 4}
	rolls := f.piece("3.99", 10)
	cheese := f.products.add(catalog.UnitWeightKg, catalog.UnitWeightKg, "12.00", nil)

	o := f.order(t, ItemInput{ProductID: rolls, Quantity: dec("2")}, ItemInput{ProductID: cheese, Quantity: dec("0.5")})

	require.Equal(t, StatusPending, o.Status)
	require.Equal(t, PaymentUnpaid, o.PaymentStatus)
	require.Len(t, o.Items, 2)
	assert.True(t, o.Items[0].LineTotal.Equal(dec("7.98")))
	assert.True(t, o.Items[1].LineTotal.Equal(dec("6.00")))
	assert.True(t, o.Subtotal.Equal(dec("13.98")), o.Subtotal.String())
	assert.True(t, o.DiscountPercent.Equal(dec("12.5")), o.DiscountPercent.String())
	assert.True(t, o.DiscountAmount.Equal(dec("1.75")), o.DiscountAmount.String())
	assert.True(t, o.Total.Equal(dec("14.73")), o.Total.String())
	assert.True(t, f.ledger.effective(rolls).Equal(decimal.NewFromInt(10)), "create must not touch stock")
}

func TestCreateUsesDiscreteWeightPrice(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	grams := 350
	id := f.products.add(catalog.UnitPiece, catalog.UnitWeightKg, "15.00", &grams)

	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("1")})
	assert.True(t, o.Items[0].UnitPrice.Equal(dec("5.25")))
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	ok := f.piece("1.00", 5)
	pending := f.piece("1.00", 5)
	p := f.products[pending]
	p.ReviewState = catalog.ReviewPendingReview
	f.products[pending] = p

	base := CreateInput{CustomerID: "cust-1", DeliveryEligible: true}

	in := base
	in.Items = []ItemInput{{ProductID: ok, Quantity: dec("1")}}
	in.DeliveryEligible = false
	_, err := f.service.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrNotEligibleForDelivery)

	in = base
	in.Items = []ItemInput{{ProductID: pending, Quantity: dec("1")}}
	_, err = f.service.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrProductUnavailable)

	in.Items = []ItemInput{{ProductID: uuid.New(), Quantity: dec("1")}}
	_, err = f.service.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrProductUnavailable)

	in.Items = []ItemInput{{ProductID: ok, Quantity: dec("1.5")}}
	_, err = f.service.Create(context.Background(), in)
	require.ErrorIs(t, err, pricing.ErrFractionalPieces)
	require.ErrorIs(t, err, ErrInvalidInput)

	in.Items = nil
	_, err = f.service.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Zero(t, f.repo.count())
}

func TestCreateIsIdempotentPerCustomerKey(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 5)
	in := CreateInput{CustomerID: "cust-1", Items: []ItemInput{{ProductID: id, Quantity: dec("1")}}, DeliveryEligible: true, IdempotencyKey: "checkout-1"}

	first, err := f.service.Create(context.Background(), in)
	require.NoError(t, err)
	second, err := f.service.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, f.repo.count())

	in.CustomerID = "cust-2"
	third, err := f.service.Create(context.Background(), in)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestConfirmReservesAndCancelRestoresStock(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("2.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("2")})

	confirmed := f.move(t, o.ID, StatusConfirmed)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	require.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(8)))

	ctx := shared.ContextWithActor(context.Background(), shared.Actor{ID: "staff-7", Role: shared.RoleStaff})
	cancelled, err := f.service.Transition(ctx, TransitionInput{OrderID: o.ID, Target: StatusCancelled, Reason: "customer called"})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "customer called", cancelled.CancelReason)
	require.Equal(t, "staff-7", cancelled.CancelledBy)
	require.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(10)))

	history, err := f.service.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, StatusCancelled, history[2].To)
	require.Equal(t, StatusConfirmed, history[2].From)
}

func TestConfirmInsufficientStockLeavesOrderPending(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	plenty := f.piece("1.00", 5)
	scarce := f.piece("1.00", 1)
	o := f.order(t, ItemInput{ProductID: plenty, Quantity: dec("2")}, ItemInput{ProductID: scarce, Quantity: dec("3")})

	_, err := f.service.Transition(context.Background(), TransitionInput{OrderID: o.ID, Target: StatusConfirmed})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	var stockErr *inventory.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, scarce, stockErr.ProductID)

	stored, err := f.service.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.True(t, f.ledger.effective(plenty).Equal(decimal.NewFromInt(5)))
	require.Contains(t, f.metrics.results, "pending>confirmed:insufficient_stock")
}

func TestConfirmReleasesReservationsWhenStatusWriteFails(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 4)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("3")})
	f.repo.failUpdate = errors.New("connection reset")

	_, err := f.service.Transition(context.Background(), TransitionInput{OrderID: o.ID, Target: StatusConfirmed})
	require.Error(t, err)
	require.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(4)))

	f.repo.failUpdate = nil
	stored, err := f.service.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestConcurrentConfirmationsReserveOnce(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("4")})
	gated := &gatedLedger{fakeLedger: f.ledger, reserved: make(chan struct{}), resume: make(chan struct{})}
	svc := NewService(f.repo, f.products, gated, Config{Fidelity: pricing.DefaultFidelityConfig()})
	ctx := context.Background()
	in := TransitionInput{OrderID: o.ID, Target: StatusConfirmed}

	first := make(chan error, 1)
	go func() {
		_, err := svc.Transition(ctx, in)
		first <- err
	}()
	<-gated.reserved

	second := make(chan error, 1)
	go func() {
		_, err := svc.Transition(ctx, in)
		second <- err
	}()
	select {
	case err := <-second:
		close(gated.resume)
		t.Fatalf("second confirmation returned while the first held the order: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gated.resume)

	require.NoError(t, <-first)
	require.ErrorIs(t, <-second, ErrInvalidTransition)
	assert.Equal(t, int32(1), gated.calls.Load())

	stored, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, stored.Status)
	assert.Len(t, f.ledger.active(o.ID), 1)
	assert.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(6)))
}

func TestRollbackKeepsReservationsOfConfirmedOrder(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("4")})
	f.move(t, o.ID, StatusConfirmed)
	held := f.ledger.active(o.ID)
	require.Len(t, held, 1)

	f.service.rollbackReservations(context.Background(), o.ID, held)

	assert.Len(t, f.ledger.active(o.ID), 1)
	assert.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(6)))
}

func TestCancelReportsPendingSettlement(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("4")})
	f.move(t, o.ID, StatusConfirmed)
	f.ledger.failRelease = errors.New("lock timeout")

	cancelled, err := f.service.Transition(context.Background(), TransitionInput{OrderID: o.ID, Target: StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.SettlementPending)
	assert.Len(t, f.ledger.active(o.ID), 1)

	f.ledger.failRelease = nil
	confirmed := f.order(t, ItemInput{ProductID: id, Quantity: dec("1")})
	f.move(t, confirmed.ID, StatusConfirmed)
	settled := f.move(t, confirmed.ID, StatusCancelled)
	assert.False(t, settled.SettlementPending)
}

func TestInvalidTransitionsAreRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 4)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("1")})

	_, err := f.service.Transition(context.Background(), TransitionInput{OrderID: o.ID, Target: StatusShipped})
	require.ErrorIs(t, err, ErrInvalidTransition)

	f.move(t, o.ID, StatusConfirmed, StatusProcessing)
	_, err = f.service.Transition(context.Background(), TransitionInput{OrderID: o.ID, Target: StatusCancelled})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(3)))

	_, err = f.service.Transition(context.Background(), TransitionInput{OrderID: o.ID, Target: Status("lost")})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTotalIsInvariantUnderLaterPriceChanges(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("4.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("2")})

	p := f.products[id]
	override := dec("9.99")
	p.PriceOverride = &override
	f.products[id] = p

	confirmed := f.move(t, o.ID, StatusConfirmed)
	require.True(t, confirmed.Total.Equal(o.Total))
	b, err := f.service.Breakdown(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, b.Items[0].UnitPrice.Equal(dec("4.00")))
	require.True(t, b.Total.Equal(dec("10.50")))
}

func TestSpendingCountsOnDelivery(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("10.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("3")})

	f.move(t, o.ID, StatusConfirmed, StatusProcessing, StatusShipped)
	stats, _, err := f.service.CustomerStats(context.Background(), "cust-1")
	require.NoError(t, err)
	require.True(t, stats.TotalSpent.IsZero())

	delivered := f.move(t, o.ID, StatusDelivered)
	require.NotNil(t, delivered.DeliveredAt)
	stats, _, err = f.service.CustomerStats(context.Background(), "cust-1")
	require.NoError(t, err)
	require.True(t, stats.TotalSpent.Equal(dec("32.50")))
	require.Equal(t, 1, stats.OrderCount)
	require.Equal(t, []uuid.UUID{o.ID}, f.ledger.committed)
	require.True(t, f.ledger.effective(id).Equal(decimal.NewFromInt(7)))
}

func TestSpendingOnConfirmIsReversedByCancel(t *testing.T) {
	f := newFixture(SpendOnConfirmed)
	id := f.piece("10.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("1")})

	f.move(t, o.ID, StatusConfirmed)
	stats, _, err := f.service.CustomerStats(context.Background(), "cust-1")
	require.NoError(t, err)
	require.True(t, stats.TotalSpent.Equal(dec("12.50")))
	require.Equal(t, 1, stats.OrderCount)

	f.move(t, o.ID, StatusCancelled)
	stats, _, err = f.service.CustomerStats(context.Background(), "cust-1")
	require.NoError(t, err)
	require.True(t, stats.TotalSpent.IsZero())
	require.Zero(t, stats.OrderCount)
}

func TestCustomerActorPermissions(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("1")})

	stranger := shared.ContextWithActor(context.Background(), shared.Actor{ID: "cust-2", Role: shared.RoleCustomer})
	_, err := f.service.Get(stranger, o.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.service.Transition(stranger, TransitionInput{OrderID: o.ID, Target: StatusCancelled})
	require.ErrorIs(t, err, ErrForbidden)

	owner := shared.ContextWithActor(context.Background(), shared.Actor{ID: "cust-1", Role: shared.RoleCustomer})
	_, err = f.service.Transition(owner, TransitionInput{OrderID: o.ID, Target: StatusConfirmed})
	require.ErrorIs(t, err, ErrForbidden)
	cancelled, err := f.service.Transition(owner, TransitionInput{OrderID: o.ID, Target: StatusCancelled})
	require.NoError(t, err)
	require.Equal(t, "cust-1", cancelled.CancelledBy)
}

func TestCustomerCreateIsBoundToActor(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 10)
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{ID: "cust-9", Role: shared.RoleCustomer})
	o, err := f.service.Create(ctx, CreateInput{CustomerID: "someone-else", Items: []ItemInput{{ProductID: id, Quantity: dec("1")}}, DeliveryEligible: true})
	require.NoError(t, err)
	require.Equal(t, "cust-9", o.CustomerID)
}

func TestUpdatePaymentStatus(t *testing.T) {
	f := newFixture(SpendOnDelivered)
	id := f.piece("1.00", 10)
	o := f.order(t, ItemInput{ProductID: id, Quantity: dec("1")})

	updated, err := f.service.UpdatePaymentStatus(context.Background(), o.ID, PaymentPaid)
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, updated.PaymentStatus)
	require.Equal(t, StatusPending, updated.Status)

	_, err = f.service.UpdatePaymentStatus(context.Background(), o.ID, PaymentStatus("maybe"))
	require.ErrorIs(t, err, ErrInvalidPaymentStatus)
}
