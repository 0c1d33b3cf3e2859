package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]Order
	entries   []ledger.Entry
	createErr error
	// conflictOnce makes the next Transition fail with ErrConflict after
	// applying the given status, simulating another instance winning.
	conflictOnce Status
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[string]Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.orders[o.ID] = *o
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *mockOrderRepo) Transition(_ context.Context, id string, from Status, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if m.conflictOnce != "" {
		o.Status = m.conflictOnce
		m.orders[id] = o
		m.conflictOnce = ""
		return ErrConflict
	}
	if o.Status != from {
		return ErrConflict
	}
	o.Status = u.Status
	o.Refund = u.Refund
	o.UpdatedAt = u.UpdatedAt
	m.orders[id] = o
	m.entries = append(m.entries, u.Entries...)
	return nil
}

func (m *mockOrderRepo) SetCourier(_ context.Context, id, courierID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.CourierID = courierID
	o.UpdatedAt = at
	m.orders[id] = o
	return nil
}

func (m *mockOrderRepo) ListExpired(_ context.Context, f ExpiredFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Status == StatusPlaced && o.CancellationDeadline.Before(f.Before) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) ledger() []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.entries...)
}

type mockNotifier struct {
	mu     sync.Mutex
	events []Status
}

func (m *mockNotifier) OrderChanged(_ context.Context, o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, o.Status)
}

type mockMetrics struct {
	counts map[Status]int
}

func (m *mockMetrics) OrderTransitioned(_ context.Context, to Status) {
	if m.counts == nil {
		m.counts = make(map[Status]int)
	}
	m.counts[to]++
}

// --- Helpers ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var placedAt = time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC)

func testBreakdown(t *testing.T) breakdown.Breakdown {
	t.Helper()
	calc := breakdown.NewCalculator(nil, breakdown.DefaultFeeSchedule())
	b := calc.Compute(breakdown.Cart{
		ChefID: "chef-1",
		Lines:  []breakdown.Line{{DishID: "thali", UnitPrice: money.Rupees(500), Quantity: 2}},
		Tip:    money.Rupees(25),
	}, "")
	return b
}

func newTestService(t *testing.T) (*Service, *mockOrderRepo, *clock) {
	t.Helper()
	repo := newMockOrderRepo()
	clk := &clock{now: placedAt}
	svc := NewService(ServiceDeps{
		Repository:  repo,
		GracePeriod: 5 * time.Minute,
		Clock:       clk.Now,
	})
	return svc, repo, clk
}

func placeTestOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Place(context.Background(), PlaceRequest{
		CustomerID: "cust-1",
		ChefID:     "chef-1",
		Address:    "12 MG Road, Bengaluru",
		Breakdown:  testBreakdown(t),
	})
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestPlace(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := placeTestOrder(t, svc)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, StatusPlaced, o.Status)
	assert.Equal(t, placedAt, o.PlacedAt)
	assert.Equal(t, placedAt.Add(5*time.Minute), o.CancellationDeadline)
	assert.Equal(t, o.CancellationDeadline, o.Window().Deadline())
	assert.Equal(t, money.Rupees(1000), o.Breakdown.Subtotal)
}

func TestPlace_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Place(ctx, PlaceRequest{ChefID: "chef-1", Breakdown: testBreakdown(t)})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Place(ctx, PlaceRequest{CustomerID: "cust-1", Breakdown: testBreakdown(t)})
	require.ErrorIs(t, err, ErrInvalidRequest)

	bad := testBreakdown(t)
	bad.ChefNetEarnings++
	_, err = svc.Place(ctx, PlaceRequest{CustomerID: "cust-1", ChefID: "chef-1", Breakdown: bad})
	require.ErrorIs(t, err, breakdown.ErrInvariant)
}

func TestPlace_RepositoryError(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.createErr = errors.New("connection refused")

	_, err := svc.Place(context.Background(), PlaceRequest{
		CustomerID: "cust-1",
		ChefID:     "chef-1",
		Breakdown:  testBreakdown(t),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestCancel_Boundary(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		success bool
	}{
		{name: "deadline minus 1ms", offset: 5*time.Minute - time.Millisecond, success: true},
		{name: "exactly at deadline", offset: 5 * time.Minute, success: true},
		{name: "deadline plus 1ms", offset: 5*time.Minute + time.Millisecond, success: false},
		{name: "T+4:59", offset: 4*time.Minute + 59*time.Second, success: true},
		{name: "T+5:01", offset: 5*time.Minute + time.Second, success: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService(t)
			o := placeTestOrder(t, svc)

			res, err := svc.Cancel(context.Background(), o.ID, placedAt.Add(tt.offset))
			if !tt.success {
				require.ErrorIs(t, err, ErrCancellationWindowExpired)
				var cerr *CancellationError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, ReasonWindowExpired, cerr.Reason)
				assert.Equal(t, StatusPlaced, cerr.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, res.Order.Status)
			assert.Equal(t, o.Breakdown.Charged(), res.Refund)
			assert.False(t, res.Replayed)
			assert.Empty(t, repo.ledger())
		})
	}
}

func TestCancel_RefundEqualsTotalWithoutTip(t *testing.T) {
	svc, _, _ := newTestService(t)
	b := testBreakdown(t)
	b.Tip = 0
	o, err := svc.Place(context.Background(), PlaceRequest{CustomerID: "c", ChefID: "chef-1", Breakdown: b})
	require.NoError(t, err)

	res, err := svc.Cancel(context.Background(), o.ID, placedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, b.Total, res.Refund)
}

func TestCancel_Idempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := placeTestOrder(t, svc)
	ctx := context.Background()

	first, err := svc.Cancel(ctx, o.ID, placedAt.Add(time.Minute))
	require.NoError(t, err)

	// Second call happens after the deadline yet still replays the result.
	second, err := svc.Cancel(ctx, o.ID, placedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Refund, second.Refund)
	assert.Equal(t, StatusCancelled, second.Order.Status)
}

func TestCancel_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Cancel(context.Background(), "missing", placedAt)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, ErrCancellationWindowExpired))
}

func TestCancel_EarlyLock(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := placeTestOrder(t, svc)
	ctx := context.Background()

	_, err := svc.Advance(ctx, o.ID, StatusPreparing)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, o.ID, placedAt.Add(time.Second))
	require.ErrorIs(t, err, ErrCancellationWindowExpired)
	var cerr *CancellationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonAlreadyAdvanced, cerr.Reason)
	assert.Equal(t, StatusPreparing, cerr.Status)
}

func TestCancel_ConflictReevaluates(t *testing.T) {
	svc, repo, _ := newTestService(t)
	o := placeTestOrder(t, svc)
	repo.conflictOnce = StatusConfirmed

	_, err := svc.Cancel(context.Background(), o.ID, placedAt.Add(time.Second))
	var cerr *CancellationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonAlreadyAdvanced, cerr.Reason)
}

func TestAdvance_Transitions(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		next Status
		ok   bool
	}{
		{name: "placed to confirmed", next: StatusConfirmed, ok: true},
		{name: "skip to preparing", next: StatusPreparing, ok: true},
		{name: "to cancelled", next: StatusCancelled, ok: false},
		{name: "backwards", path: []Status{StatusPreparing}, next: StatusConfirmed, ok: false},
		{name: "back to placed", path: []Status{StatusConfirmed}, next: StatusPlaced, ok: false},
		{name: "out for delivery to delivered", path: []Status{StatusOutForDelivery}, next: StatusDelivered, ok: true},
		{name: "past delivered", path: []Status{StatusDelivered}, next: StatusOutForDelivery, ok: false},
		{name: "unknown status", next: Status("teleported"), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			o := placeTestOrder(t, svc)
			ctx := context.Background()
			for _, st := range tt.path {
				_, err := svc.Advance(ctx, o.ID, st)
				require.NoError(t, err)
			}

			got, err := svc.Advance(ctx, o.ID, tt.next)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.next, got.Status)
				return
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
			var terr *TransitionError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, o.ID, terr.OrderID)
			assert.Equal(t, tt.next, terr.To)
		})
	}
}

func TestAdvance_CancelledOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := placeTestOrder(t, svc)
	ctx := context.Background()

	_, err := svc.Cancel(ctx, o.ID, placedAt)
	require.NoError(t, err)

	_, err = svc.Advance(ctx, o.ID, StatusConfirmed)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusCancelled, terr.From)
	assert.Equal(t, StatusConfirmed, terr.To)
}

func TestAdvance_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Advance(context.Background(), "missing", StatusConfirmed)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdvance_DeliveredEmitsLedgerOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)
	o := placeTestOrder(t, svc)
	ctx := context.Background()

	_, err := svc.AssignCourier(ctx, o.ID, "rider-7")
	require.NoError(t, err)

	_, err = svc.Advance(ctx, o.ID, StatusDelivered)
	require.NoError(t, err)
	// Erroneous second delivery is a no-op.
	got, err := svc.Advance(ctx, o.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)

	entries := repo.ledger()
	require.Len(t, entries, 2)

	byType := make(map[ledger.RecipientType]ledger.Entry)
	for _, e := range entries {
		byType[e.RecipientType] = e
	}
	chef := byType[ledger.RecipientChef]
	assert.Equal(t, "chef-1", chef.RecipientID)
	assert.Equal(t, o.ID, chef.OrderID)
	assert.Equal(t, o.Breakdown.ChefNetEarnings+o.Breakdown.Tip, chef.Amount)
	assert.Equal(t, money.Rupees(25), chef.Tip)
	assert.Equal(t, o.Breakdown.PlatformCommission, chef.PlatformFee)

	courier := byType[ledger.RecipientDelivery]
	assert.Equal(t, "rider-7", courier.RecipientID)
	assert.Equal(t, o.Breakdown.CourierEarnings, courier.Amount)
}

func TestAdvance_DeliveredWithoutCourier(t *testing.T) {
	svc, repo, _ := newTestService(t)
	o := placeTestOrder(t, svc)

	_, err := svc.Advance(context.Background(), o.ID, StatusDelivered)
	require.NoError(t, err)

	entries := repo.ledger()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.RecipientChef, entries[0].RecipientType)
}

func TestCancelAdvanceRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		svc, repo, _ := newTestService(t)
		o := placeTestOrder(t, svc)
		ctx := context.Background()

		var (
			wg        sync.WaitGroup
			cancelErr error
			deliverOK bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = svc.Cancel(ctx, o.ID, placedAt.Add(time.Minute))
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Advance(ctx, o.ID, StatusDelivered)
			deliverOK = err == nil
		}()
		wg.Wait()

		final, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		if final.Status == StatusCancelled {
			assert.NoError(t, cancelErr)
			assert.False(t, deliverOK)
			assert.Empty(t, repo.ledger())
		} else {
			assert.Equal(t, StatusDelivered, final.Status)
			assert.Error(t, cancelErr)
			assert.Zero(t, final.Refund)
			assert.NotEmpty(t, repo.ledger())
		}
	}
}

func TestAssignCourier(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := placeTestOrder(t, svc)
	ctx := context.Background()

	_, err := svc.AssignCourier(ctx, o.ID, " ")
	require.ErrorIs(t, err, ErrInvalidRequest)

	got, err := svc.AssignCourier(ctx, o.ID, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, "rider-1", got.CourierID)

	_, err = svc.Cancel(ctx, o.ID, placedAt)
	require.NoError(t, err)
	_, err = svc.AssignCourier(ctx, o.ID, "rider-2")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConfirmExpired(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	early := placeTestOrder(t, svc)
	clk.Advance(3 * time.Minute)
	late := placeTestOrder(t, svc)

	clk.Advance(2*time.Minute + time.Second)
	n, err := svc.ConfirmExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	got, err = svc.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, got.Status)
}

func TestService_NotifiesAndCounts(t *testing.T) {
	repo := newMockOrderRepo()
	notifier := &mockNotifier{}
	metrics := &mockMetrics{}
	svc := NewService(ServiceDeps{
		Repository: repo,
		Clock:      func() time.Time { return placedAt },
		Notifier:   notifier,
		Metrics:    metrics,
	})
	assert.Equal(t, DefaultGracePeriod, svc.GracePeriod())

	o := placeTestOrder(t, svc)
	_, err := svc.Advance(context.Background(), o.ID, StatusDelivered)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusPlaced, StatusDelivered}, notifier.events)
	assert.Equal(t, 1, metrics.counts[StatusPlaced])
	assert.Equal(t, 1, metrics.counts[StatusDelivered])
}
