package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func testPlans() plan.Source {
	return plan.StaticSource{
		{
			ID:          "basic",
			Name:        "Basic",
			ProductCode: "compliance-suite",
			Price:       plan.Money{Amount: 9900, Currency: "USD"},
			Allowances: map[plan.Dimension]int64{
				plan.DimensionScans: 100,
				plan.DimensionUsers: 3,
			},
			OverageRates: map[plan.Dimension]decimal.Decimal{
				plan.DimensionScans: decimal.RequireFromString("0.10"),
			},
		},
		{
			ID:          "premium",
			Name:        "Premium",
			ProductCode: "compliance-suite",
			Price:       plan.Money{Amount: 59900, Currency: "USD"},
			Allowances: map[plan.Dimension]int64{
				plan.DimensionScans: 1000,
				plan.DimensionUsers: 50,
			},
		},
	}
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newTestService(t *testing.T, opts ...subscription.ServiceOption) *subscription.Service {
	t.Helper()

	svc, err := subscription.NewService(context.Background(), testPlans(),
		subscription.NewLedgerStore(ledger.NewMemory()), opts...)
	require.NoError(t, err)
	return svc
}

func TestService_Create(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "cust-1", sub.CustomerID)
	assert.Equal(t, "compliance-suite", sub.ProductCode)

	// Creation leaves both the pending and the activation history entries.
	history, err := svc.History(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, subscription.StatusPending, history[0].To)
	assert.Equal(t, subscription.StatusPending, history[1].From)
	assert.Equal(t, subscription.StatusActive, history[1].To)
	assert.Equal(t, "msg-1", history[1].TriggeredBy)
}

func TestService_CreateInvalidPlan(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, err := svc.Create(context.Background(), "cust-1", "no-such-plan", "msg-1")
	assert.ErrorIs(t, err, subscription.ErrInvalidPlan)
}

func TestService_CreateDuplicateProduct(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)

	// Same product via a different tier is still a duplicate.
	_, err = svc.Create(ctx, "cust-1", "premium", "msg-2")
	assert.ErrorIs(t, err, subscription.ErrDuplicateSubscription)

	// A different customer is unaffected.
	_, err = svc.Create(ctx, "cust-2", "basic", "msg-3")
	assert.NoError(t, err)
}

// faultyLedger fails a configured number of CompareAndSwap calls, simulating
// a backend error after the product slot has been claimed.
type faultyLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	casFails int
}

func (f *faultyLedger) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	f.mu.Lock()
	if f.casFails > 0 {
		f.casFails--
		f.mu.Unlock()
		return errors.New("backend unavailable")
	}
	f.mu.Unlock()
	return f.Ledger.CompareAndSwap(ctx, key, old, new)
}

func TestService_CreateFailureReleasesProductSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &faultyLedger{Ledger: ledger.NewMemory(), casFails: 1}
	svc, err := subscription.NewService(ctx, testPlans(), subscription.NewLedgerStore(store))
	require.NoError(t, err)

	_, err = svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, subscription.ErrDuplicateSubscription)

	// The failed create must not keep the product slot: the customer can
	// subscribe once the backend recovers.
	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-2")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
}

func TestService_SuspendReactivate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)

	suspended, err := svc.Suspend(ctx, sub.ID, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusSuspended, suspended.Status)

	// Suspending again is a no-op, not an error.
	again, err := svc.Suspend(ctx, sub.ID, "msg-3")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusSuspended, again.Status)

	reactivated, err := svc.Reactivate(ctx, sub.ID, "msg-4")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, reactivated.Status)

	// Reactivating an active subscription is a conflict.
	_, err = svc.Reactivate(ctx, sub.ID, "msg-5")
	assert.ErrorIs(t, err, subscription.ErrInvalidTransition)
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, sub.ID, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	// Repeat cancel is a state conflict at this layer.
	_, err = svc.Cancel(ctx, sub.ID, "msg-3")
	assert.ErrorIs(t, err, subscription.ErrAlreadyCancelled)

	// Cancellation frees the product slot for a fresh subscription.
	_, err = svc.Create(ctx, "cust-1", "basic", "msg-4")
	assert.NoError(t, err)
}

func TestService_CancelPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewLedgerStore(ledger.NewMemory())
	svc, err := subscription.NewService(ctx, testPlans(), store)
	require.NoError(t, err)

	// Seed a pending record directly; the service only exposes pending as a
	// transient state during creation.
	now := time.Now().UTC()
	pending := &subscription.Subscription{
		ID:          uuid.New(),
		CustomerID:  "cust-1",
		PlanID:      "basic",
		ProductCode: "compliance-suite",
		Status:      subscription.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		PeriodStart: now,
	}
	require.NoError(t, store.Create(ctx, pending))

	_, err = svc.Cancel(ctx, pending.ID, "msg-1")
	assert.ErrorIs(t, err, subscription.ErrInvalidTransition)

	_, err = svc.Suspend(ctx, pending.ID, "msg-2")
	assert.ErrorIs(t, err, subscription.ErrInvalidTransition)
}

func TestService_CancelUnknown(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, err := svc.Cancel(context.Background(), uuid.New(), "msg-1")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestService_CacheInvalidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inv := &recordingInvalidator{}
	svc := newTestService(t, subscription.WithCacheInvalidator(inv))

	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)
	created := inv.count()
	assert.Positive(t, created)

	_, err = svc.Suspend(ctx, sub.ID, "msg-2")
	require.NoError(t, err)
	assert.Greater(t, inv.count(), created)
}

func TestService_ChangePlan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)

	upgraded, err := svc.ChangePlan(ctx, sub.ID, "premium",
		map[plan.Dimension]int64{plan.DimensionScans: 90}, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, "premium", upgraded.PlanID)

	// Downgrade refused while current usage exceeds the target allowance.
	_, err = svc.ChangePlan(ctx, sub.ID, "basic",
		map[plan.Dimension]int64{plan.DimensionScans: 500}, "msg-3")
	assert.ErrorIs(t, err, subscription.ErrDowngradeNotPossible)

	// Downgrade allowed once usage fits.
	downgraded, err := svc.ChangePlan(ctx, sub.ID, "basic",
		map[plan.Dimension]int64{plan.DimensionScans: 50}, "msg-4")
	require.NoError(t, err)
	assert.Equal(t, "basic", downgraded.PlanID)
}

func TestService_Archive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	current := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	svc := newTestService(t,
		subscription.WithClock(now),
		subscription.WithRetention(7*24*time.Hour))

	sub, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)

	// Active subscriptions cannot be archived.
	_, err = svc.Archive(ctx, sub.ID)
	assert.ErrorIs(t, err, subscription.ErrNotCancelled)

	_, err = svc.Cancel(ctx, sub.ID, "msg-2")
	require.NoError(t, err)

	// Within the retention window the record stays live.
	_, err = svc.Archive(ctx, sub.ID)
	assert.ErrorIs(t, err, subscription.ErrRetentionNotElapsed)

	advance(8 * 24 * time.Hour)

	archived, err := svc.Archive(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)

	// Archiving again is idempotent.
	again, err := svc.Archive(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, archived.ArchivedAt, again.ArchivedAt)
}

func TestService_GetByCustomer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	created, err := svc.Create(ctx, "cust-1", "basic", "msg-1")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "cust-2", "premium", "msg-2")
	require.NoError(t, err)

	subs, err := svc.GetByCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, created.ID, subs[0].ID)
}

func TestStatus_TransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to subscription.Status
		allowed  bool
	}{
		{subscription.StatusPending, subscription.StatusActive, true},
		{subscription.StatusPending, subscription.StatusCancelled, false},
		{subscription.StatusActive, subscription.StatusSuspended, true},
		{subscription.StatusActive, subscription.StatusCancelled, true},
		{subscription.StatusSuspended, subscription.StatusActive, true},
		{subscription.StatusSuspended, subscription.StatusCancelled, true},
		{subscription.StatusCancelled, subscription.StatusActive, false},
		{subscription.StatusCancelled, subscription.StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}
