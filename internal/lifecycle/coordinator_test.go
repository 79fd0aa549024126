package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderq/internal/config"
	"orderq/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOrderStore struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	createErr error
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: make(map[string]domain.Order)}
}

func (s *memOrderStore) Create(ctx context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.orders[o.OrderRef] = *o
	return nil
}

func (s *memOrderStore) Get(ctx context.Context, orderRef string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderRef]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := o
	return &cp, nil
}

func (s *memOrderStore) UpdateStatus(ctx context.Context, orderRef string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderRef]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Status = status
	s.orders[orderRef] = o
	return nil
}

func (s *memOrderStore) PendingInWindow(ctx context.Context, from, to time.Time) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderPendingPayment && !o.CreateTime.Before(from) && !o.CreateTime.After(to) {
			cp := o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memOrderStore) status(ref string) domain.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[ref].Status
}

type fakeLedger struct {
	mu         sync.Mutex
	reserved   [][]domain.OrderItem
	restored   [][]domain.OrderItem
	confirmed  []string
	reserveErr error
}

func (l *fakeLedger) Reserve(ctx context.Context, items []domain.OrderItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserved = append(l.reserved, items)
	return nil
}

func (l *fakeLedger) Restore(ctx context.Context, items []domain.OrderItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restored = append(l.restored, items)
	return nil
}

func (l *fakeLedger) Confirm(ctx context.Context, orderRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmed = append(l.confirmed, orderRef)
	return nil
}

type scheduledCall struct {
	orderRef string
	taskType domain.TaskType
	minutes  int
}

type fakeSched struct {
	mu          sync.Mutex
	scheduled   []scheduledCall
	cancelled   []string
	scheduleErr error
}

func (s *fakeSched) Schedule(ctx context.Context, orderRef string, taskType domain.TaskType, timeoutMinutes int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleErr != nil {
		return "", s.scheduleErr
	}
	s.scheduled = append(s.scheduled, scheduledCall{orderRef, taskType, timeoutMinutes})
	return orderRef + "_task", nil
}

func (s *fakeSched) CancelByOrder(ctx context.Context, orderRef string, taskType domain.TaskType, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderRef+":"+reason)
	return true
}

type fakeOrderLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	refuse   bool
}

func (l *fakeOrderLocker) AcquireWithRetry(ctx context.Context, key string, ttl, budget time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return "", domain.ErrLockUnavailable
	}
	l.acquired = append(l.acquired, key)
	return "token-" + key, nil
}

func (l *fakeOrderLocker) Release(ctx context.Context, key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return true
}

type fakeOracle struct {
	status domain.PaymentStatus
	asked  []string
}

func (o *fakeOracle) Status(ctx context.Context, orderRef string) domain.PaymentStatus {
	o.asked = append(o.asked, orderRef)
	return o.status
}

func timeoutCfg() config.Timeout {
	return config.Timeout{
		OrderMinutes:           15,
		ReconcileWindow:        time.Hour,
		CancelOnUnknownPayment: true,
	}
}

type fixture struct {
	orders *memOrderStore
	ledger *fakeLedger
	sched  *fakeSched
	oracle *fakeOracle
	locks  *fakeOrderLocker
	coord  *Coordinator
}

func newFixture(cfg config.Timeout) *fixture {
	f := &fixture{
		orders: newMemOrderStore(),
		ledger: &fakeLedger{},
		sched:  &fakeSched{},
		oracle: &fakeOracle{status: domain.PaymentUnpaid},
		locks:  &fakeOrderLocker{},
	}
	lockCfg := config.Lock{TTL: 30 * time.Second, RetryBudget: 100 * time.Millisecond}
	f.coord = NewCoordinator(f.orders, f.ledger, f.sched, f.oracle, f.locks, cfg, lockCfg)
	return f
}

func (f *fixture) seedOrder(ref string, status domain.OrderStatus, createdAt time.Time) {
	f.orders.orders[ref] = domain.Order{
		OrderRef:   ref,
		Status:     status,
		Items:      []domain.OrderItem{{ProductID: 1, Quantity: 2}},
		CreateTime: createdAt,
		UpdateTime: createdAt,
	}
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())

	items := []domain.OrderItem{{ProductID: 1, Quantity: 2}}
	order, err := f.coord.CreateOrder(ctx, "ORD-1", items)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPendingPayment, order.Status)
	assert.Len(t, f.ledger.reserved, 1)
	require.Len(t, f.sched.scheduled, 1)
	assert.Equal(t, scheduledCall{"ORD-1", domain.OrderTimeout, 15}, f.sched.scheduled[0])
}

func TestCreateOrderReserveFailureAbortsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	f.ledger.reserveErr = domain.ErrInsufficientStock

	_, err := f.coord.CreateOrder(ctx, "ORD-1", []domain.OrderItem{{ProductID: 1, Quantity: 2}})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.orders.Get(ctx, "ORD-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound, "no order without a reservation")
	assert.Empty(t, f.sched.scheduled, "no timeout task without an order")
}

func TestCreateOrderStoreFailureRestoresReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	f.orders.createErr = errors.New("db down")

	items := []domain.OrderItem{{ProductID: 1, Quantity: 2}}
	_, err := f.coord.CreateOrder(ctx, "ORD-1", items)
	require.Error(t, err)

	require.Len(t, f.ledger.restored, 1)
	assert.Equal(t, items, f.ledger.restored[0])
	assert.Empty(t, f.sched.scheduled)
}

func TestCreateOrderDuplicateTaskTolerated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	f.sched.scheduleErr = domain.ErrTaskExists

	_, err := f.coord.CreateOrder(ctx, "ORD-1", []domain.OrderItem{{ProductID: 1, Quantity: 2}})
	assert.NoError(t, err, "an already-armed timeout does not fail order creation")
}

func TestHandlePaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	f.seedOrder("ORD-1", domain.OrderPendingPayment, time.Now())

	require.NoError(t, f.coord.HandlePaid(ctx, "ORD-1"))

	assert.Equal(t, domain.OrderPendingShipment, f.orders.status("ORD-1"))
	assert.Equal(t, []string{"ORD-1:ORDER_PAID"}, f.sched.cancelled)
	assert.Equal(t, []string{"ORD-1"}, f.ledger.confirmed)
	assert.Equal(t, []string{"order:ORD-1"}, f.locks.acquired, "payment handling runs under the order lock")
	assert.Equal(t, []string{"order:ORD-1"}, f.locks.released)

	// A second confirmation is harmless.
	require.NoError(t, f.coord.HandlePaid(ctx, "ORD-1"))
	assert.Equal(t, domain.OrderPendingShipment, f.orders.status("ORD-1"))
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	f.seedOrder("ORD-1", domain.OrderPendingPayment, time.Now())

	require.NoError(t, f.coord.CancelOrder(ctx, "ORD-1", "USER_CANCELLED"))

	assert.Equal(t, domain.OrderCancelled, f.orders.status("ORD-1"))
	assert.Len(t, f.ledger.restored, 1, "cancellation returns the reserved stock")
	assert.Equal(t, []string{"ORD-1:USER_CANCELLED"}, f.sched.cancelled)
}

func TestCancelOrderRequiresPendingPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	f.seedOrder("ORD-1", domain.OrderPendingShipment, time.Now())

	err := f.coord.CancelOrder(ctx, "ORD-1", "USER_CANCELLED")
	assert.ErrorIs(t, err, ErrOrderNotPending)
	assert.Equal(t, domain.OrderPendingShipment, f.orders.status("ORD-1"))
	assert.Empty(t, f.ledger.restored)
}

func TestTimeoutCancelsUnpaidOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-20*time.Minute))
	f.coord.now = func() time.Time { return now }

	task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-20*time.Minute))
	require.NoError(t, f.coord.HandleOrderTimeout(ctx, task))

	assert.Equal(t, domain.OrderCancelled, f.orders.status("ORD-1"))
	assert.Len(t, f.ledger.restored, 1)
	assert.Equal(t, []string{"ORD-1"}, f.oracle.asked)
	assert.Equal(t, []string{"order:ORD-1"}, f.locks.released, "expiry releases the order lock")
}

func TestTimeoutHeldLockDefersExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-20*time.Minute))
	f.coord.now = func() time.Time { return now }
	f.locks.refuse = true

	task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-20*time.Minute))
	err := f.coord.HandleOrderTimeout(ctx, task)
	require.ErrorIs(t, err, domain.ErrLockUnavailable, "a held order lock surfaces as a retryable failure")

	assert.Equal(t, domain.OrderPendingPayment, f.orders.status("ORD-1"))
	assert.Empty(t, f.oracle.asked)
	assert.Empty(t, f.ledger.restored)
}

func TestTimeoutPaidOrderAdvancesInstead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-20*time.Minute))
	f.coord.now = func() time.Time { return now }
	f.oracle.status = domain.PaymentPaid

	task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-20*time.Minute))
	require.NoError(t, f.coord.HandleOrderTimeout(ctx, task))

	assert.Equal(t, domain.OrderPendingShipment, f.orders.status("ORD-1"))
	assert.Empty(t, f.ledger.restored, "a paid order keeps its stock")
}

func TestTimeoutNonPendingOrderIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.seedOrder("ORD-1", domain.OrderCancelled, now.Add(-20*time.Minute))
	f.coord.now = func() time.Time { return now }

	task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-20*time.Minute))
	require.NoError(t, f.coord.HandleOrderTimeout(ctx, task))

	assert.Empty(t, f.oracle.asked, "no payment check for a settled order")
	assert.Empty(t, f.ledger.restored)
}

func TestTimeoutBeforeDeadlineSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-5*time.Minute))
	f.coord.now = func() time.Time { return now }

	task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-5*time.Minute))
	require.NoError(t, f.coord.HandleOrderTimeout(ctx, task))

	assert.Equal(t, domain.OrderPendingPayment, f.orders.status("ORD-1"))
	assert.Empty(t, f.oracle.asked)
}

func TestTimeoutUnknownPaymentPolicy(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("cancel per default policy", func(t *testing.T) {
		f := newFixture(timeoutCfg())
		f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-20*time.Minute))
		f.coord.now = func() time.Time { return now }
		f.oracle.status = domain.PaymentUnknown

		task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-20*time.Minute))
		require.NoError(t, f.coord.HandleOrderTimeout(ctx, task))
		assert.Equal(t, domain.OrderCancelled, f.orders.status("ORD-1"))
	})

	t.Run("hold when cancellation is disabled", func(t *testing.T) {
		cfg := timeoutCfg()
		cfg.CancelOnUnknownPayment = false
		f := newFixture(cfg)
		f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-20*time.Minute))
		f.coord.now = func() time.Time { return now }
		f.oracle.status = domain.PaymentUnknown

		task := domain.NewTimeoutTask("ORD-1", domain.OrderTimeout, 15, now.Add(-20*time.Minute))
		err := f.coord.HandleOrderTimeout(ctx, task)
		require.Error(t, err, "unknown payment surfaces as a retryable failure")
		assert.Equal(t, domain.OrderPendingPayment, f.orders.status("ORD-1"))
		assert.Empty(t, f.ledger.restored)
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.coord.now = func() time.Time { return now }

	f.seedOrder("ORD-overdue", domain.OrderPendingPayment, now.Add(-30*time.Minute))
	f.seedOrder("ORD-fresh", domain.OrderPendingPayment, now.Add(-5*time.Minute))
	f.seedOrder("ORD-old", domain.OrderPendingPayment, now.Add(-2*time.Hour)) // outside the window
	f.seedOrder("ORD-paid", domain.OrderPendingShipment, now.Add(-5*time.Minute))

	scheduled, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)

	assert.Equal(t, domain.OrderCancelled, f.orders.status("ORD-overdue"))
	assert.Equal(t, domain.OrderPendingPayment, f.orders.status("ORD-old"))

	require.Len(t, f.sched.scheduled, 1)
	call := f.sched.scheduled[0]
	assert.Equal(t, "ORD-fresh", call.orderRef)
	assert.GreaterOrEqual(t, call.minutes, 1)
	assert.LessOrEqual(t, call.minutes, 10)
}

func TestRemainingMinutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(timeoutCfg())
	now := time.Now()
	f.coord.now = func() time.Time { return now }

	f.seedOrder("ORD-1", domain.OrderPendingPayment, now.Add(-5*time.Minute))
	mins, err := f.coord.RemainingMinutes(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 10, mins)

	f.seedOrder("ORD-2", domain.OrderPendingPayment, now.Add(-20*time.Minute))
	mins, err = f.coord.RemainingMinutes(ctx, "ORD-2")
	require.NoError(t, err)
	assert.Zero(t, mins)

	f.seedOrder("ORD-3", domain.OrderCancelled, now)
	mins, err = f.coord.RemainingMinutes(ctx, "ORD-3")
	require.NoError(t, err)
	assert.Zero(t, mins)

	_, err = f.coord.RemainingMinutes(ctx, "ORD-404")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
