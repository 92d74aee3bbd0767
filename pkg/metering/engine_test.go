package metering_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/metering"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

type fakeResolver struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*subscription.Subscription
	plan plan.Plan
}

func newFakeResolver(p plan.Plan) *fakeResolver {
	return &fakeResolver{subs: make(map[uuid.UUID]*subscription.Subscription), plan: p}
}

func (r *fakeResolver) add(status subscription.Status) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.subs[id] = &subscription.Subscription{
		ID:          id,
		CustomerID:  "cust-" + id.String()[:8],
		PlanID:      r.plan.ID,
		ProductCode: r.plan.ProductCode,
		Status:      status,
	}
	return id
}

func (r *fakeResolver) setStatus(id uuid.UUID, status subscription.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id].Status = status
}

func (r *fakeResolver) Get(_ context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeResolver) Plan(_ *subscription.Subscription) (plan.Plan, error) {
	return r.plan, nil
}

func testPlan() plan.Plan {
	return plan.Plan{
		ID:          "pro",
		Name:        "Pro",
		ProductCode: "scanner",
		Price:       plan.Money{Amount: 29900, Currency: "USD"},
		Allowances: map[plan.Dimension]int64{
			plan.DimensionScans:   500,
			plan.DimensionUsers:   10,
			plan.DimensionReports: 20,
		},
		OverageRates: map[plan.Dimension]decimal.Decimal{
			plan.DimensionScans: decimal.RequireFromString("0.08"),
		},
		GatingDimensions: []plan.Dimension{plan.DimensionUsers},
	}
}

func newTestEngine(t *testing.T, cfg metering.Config, opts ...metering.EngineOption) (*metering.Engine, *fakeResolver, *ledger.Memory) {
	t.Helper()
	store := ledger.NewMemory()
	resolver := newFakeResolver(testPlan())
	return metering.NewEngine(store, resolver, cfg, opts...), resolver, store
}

// flakyLedger fails a configured number of Increment calls, simulating a
// backend outage between the idempotency claim and the counter update.
type flakyLedger struct {
	ledger.Ledger
	mu    sync.Mutex
	fails int
}

func (f *flakyLedger) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return 0, errors.New("backend unavailable")
	}
	f.mu.Unlock()
	return f.Ledger.Increment(ctx, key, delta)
}

func TestEngine_RecordUsage(t *testing.T) {
	t.Parallel()

	t.Run("accrues usage", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		ack, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 5, "key-1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), ack.Quantity)
		assert.Equal(t, int64(5), ack.Total)
		assert.False(t, ack.Replayed)

		ack, err = eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 3, "key-2")
		require.NoError(t, err)
		assert.Equal(t, int64(8), ack.Total)
	})

	t.Run("replays idempotency key without double counting", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		first, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 10, "same-key")
		require.NoError(t, err)

		replay, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 10, "same-key")
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
		assert.Equal(t, first.Total, replay.Total)

		usage, _, err := eng.Usage(context.Background(), subID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), usage[plan.DimensionScans])
	})

	t.Run("concurrent replays apply exactly once", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		const callers = 20
		var wg sync.WaitGroup
		wg.Add(callers)
		for range callers {
			go func() {
				defer wg.Done()
				_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 7, "contested-key")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		usage, _, err := eng.Usage(context.Background(), subID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), usage[plan.DimensionScans])
	})

	t.Run("concurrent distinct keys all apply", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		const callers = 50
		var wg sync.WaitGroup
		wg.Add(callers)
		for i := range callers {
			go func() {
				defer wg.Done()
				_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 1, fmt.Sprintf("key-%d", i))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		usage, _, err := eng.Usage(context.Background(), subID)
		require.NoError(t, err)
		assert.Equal(t, int64(callers), usage[plan.DimensionScans])
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 0, "k")
		assert.ErrorIs(t, err, metering.ErrInvalidQuantity)

		_, err = eng.RecordUsage(context.Background(), subID, plan.DimensionScans, -4, "k")
		assert.ErrorIs(t, err, metering.ErrInvalidQuantity)

		_, err = eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 1, "")
		assert.ErrorIs(t, err, metering.ErrMissingIdempotencyKey)
	})

	t.Run("rejects dimension outside plan", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionStorageGB, 1, "k")
		assert.ErrorIs(t, err, metering.ErrDimensionNotInPlan)
	})

	t.Run("rejects suspended subscription by default", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusSuspended)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 1, "k")
		assert.ErrorIs(t, err, metering.ErrSubscriptionNotActive)
	})

	t.Run("suspended accrual honored when enabled", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{AllowSuspendedAccrual: true})
		subID := resolver.add(subscription.StatusSuspended)

		ack, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 2, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(2), ack.Total)
	})

	t.Run("rejects pending and cancelled subscriptions", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{AllowSuspendedAccrual: true})

		for _, status := range []subscription.Status{subscription.StatusPending, subscription.StatusCancelled} {
			subID := resolver.add(status)
			_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 1, "k-"+string(status))
			assert.ErrorIs(t, err, metering.ErrSubscriptionNotActive, status)
		}
	})

	t.Run("retry succeeds after a failed counter update", func(t *testing.T) {
		t.Parallel()
		store := &flakyLedger{Ledger: ledger.NewMemory(), fails: 1}
		resolver := newFakeResolver(testPlan())
		eng := metering.NewEngine(store, resolver, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 42, "key-1")
		require.Error(t, err)

		// The failed attempt must not leave a claim behind: the retry applies
		// the report for real instead of replaying a zero-total ack.
		ack, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 42, "key-1")
		require.NoError(t, err)
		assert.False(t, ack.Replayed)
		assert.Equal(t, int64(42), ack.Total)

		total, err := eng.UsageFor(context.Background(), subID, plan.DimensionScans)
		require.NoError(t, err)
		assert.Equal(t, int64(42), total)
	})

	t.Run("rejects idempotency key reused across subscriptions", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		first := resolver.add(subscription.StatusActive)
		second := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), first, plan.DimensionScans, 1, "shared")
		require.NoError(t, err)

		_, err = eng.RecordUsage(context.Background(), second, plan.DimensionScans, 1, "shared")
		require.Error(t, err)

		usage, _, err := eng.Usage(context.Background(), second)
		require.NoError(t, err)
		assert.Zero(t, usage[plan.DimensionScans])
	})

	t.Run("appends audit events", func(t *testing.T) {
		t.Parallel()
		events := metering.NewMemoryEventStore()
		eng, resolver, _ := newTestEngine(t, metering.Config{}, metering.WithEventStore(events))
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 5, "k1")
		require.NoError(t, err)
		_, err = eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 5, "k1") // replay
		require.NoError(t, err)
		_, err = eng.RecordUsage(context.Background(), subID, plan.DimensionReports, 1, "k2")
		require.NoError(t, err)

		_, period, err := eng.Usage(context.Background(), subID)
		require.NoError(t, err)

		got, err := events.List(context.Background(), subID, period)
		require.NoError(t, err)
		require.Len(t, got, 2) // the replay is not a new event
	})
}

func TestEngine_GatedDebit(t *testing.T) {
	t.Parallel()

	t.Run("grants within allowance and denies beyond", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		for i := range 10 {
			total, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 1, 10, "")
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), total)
		}

		_, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 1, 10, "")
		assert.ErrorIs(t, err, ledger.ErrGuardFailed)
	})

	t.Run("replays reservation key without double debit", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		first, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 3, 10, "resv-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), first)

		replay, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 3, 10, "resv-1")
		require.NoError(t, err)
		assert.Equal(t, first, replay)

		total, err := eng.UsageFor(context.Background(), subID, plan.DimensionUsers)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})

	t.Run("denied reservation releases its key for retry", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 8, 10, "fill")
		require.NoError(t, err)

		_, err = eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 5, 10, "resv-2")
		require.ErrorIs(t, err, ledger.ErrGuardFailed)

		// The denial did not consume the key: a retry may still succeed.
		total, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 2, 10, "resv-2")
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
	})

	t.Run("concurrent debits never exceed the allowance", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		const callers = 25
		const allowance = 10
		granted := make(chan struct{}, callers)

		var wg sync.WaitGroup
		wg.Add(callers)
		for range callers {
			go func() {
				defer wg.Done()
				if _, err := eng.GatedDebit(context.Background(), subID, plan.DimensionUsers, 1, allowance, ""); err == nil {
					granted <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(granted)

		assert.Equal(t, allowance, len(granted))

		total, err := eng.UsageFor(context.Background(), subID, plan.DimensionUsers)
		require.NoError(t, err)
		assert.Equal(t, int64(allowance), total)
	})
}

func TestEngine_Usage(t *testing.T) {
	t.Parallel()

	eng, resolver, _ := newTestEngine(t, metering.Config{})
	subID := resolver.add(subscription.StatusActive)

	_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 42, "a")
	require.NoError(t, err)
	_, err = eng.RecordUsage(context.Background(), subID, plan.DimensionReports, 3, "b")
	require.NoError(t, err)

	usage, period, err := eng.Usage(context.Background(), subID)
	require.NoError(t, err)
	assert.Equal(t, metering.PeriodKey(time.Now()), period)
	assert.Equal(t, int64(42), usage[plan.DimensionScans])
	assert.Equal(t, int64(3), usage[plan.DimensionReports])
	assert.Zero(t, usage[plan.DimensionUsers])
}
