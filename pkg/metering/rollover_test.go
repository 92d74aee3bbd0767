package metering_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/metering"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestEngine_Rollover(t *testing.T) {
	t.Parallel()

	january := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)
	february := time.Date(2026, time.February, 2, 8, 0, 0, 0, time.UTC)

	t.Run("archives closed period and starts fresh", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: january}
		eng, resolver, _ := newTestEngine(t, metering.Config{}, metering.WithClock(clock.Now))
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 300, "jan-1")
		require.NoError(t, err)
		_, err = eng.RecordUsage(context.Background(), subID, plan.DimensionReports, 5, "jan-2")
		require.NoError(t, err)

		clock.Set(february)

		// Recording in the new month triggers the rollover implicitly.
		ack, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 10, "feb-1")
		require.NoError(t, err)
		assert.Equal(t, "2026-02", ack.Period)
		assert.Equal(t, int64(10), ack.Total)

		snapshot, err := eng.Snapshot(context.Background(), subID, "2026-01")
		require.NoError(t, err)
		assert.Equal(t, int64(300), snapshot.Usage[plan.DimensionScans])
		assert.Equal(t, int64(5), snapshot.Usage[plan.DimensionReports])

		usage, period, err := eng.Usage(context.Background(), subID)
		require.NoError(t, err)
		assert.Equal(t, "2026-02", period)
		assert.Equal(t, int64(10), usage[plan.DimensionScans])
		assert.Zero(t, usage[plan.DimensionReports])
	})

	t.Run("explicit rollover applies exactly once", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: january}
		eng, resolver, _ := newTestEngine(t, metering.Config{}, metering.WithClock(clock.Now))
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 100, "jan-1")
		require.NoError(t, err)

		clock.Set(february)

		const callers = 10
		applied := make(chan struct{}, callers)
		var wg sync.WaitGroup
		wg.Add(callers)
		for range callers {
			go func() {
				defer wg.Done()
				err := eng.Rollover(context.Background(), subID)
				if err == nil {
					applied <- struct{}{}
					return
				}
				assert.ErrorIs(t, err, metering.ErrRolloverAlreadyApplied)
			}()
		}
		wg.Wait()
		close(applied)

		assert.Equal(t, 1, len(applied))

		snapshot, err := eng.Snapshot(context.Background(), subID, "2026-01")
		require.NoError(t, err)
		assert.Equal(t, int64(100), snapshot.Usage[plan.DimensionScans])
	})

	t.Run("rollover within the same period is rejected", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: january}
		eng, resolver, _ := newTestEngine(t, metering.Config{}, metering.WithClock(clock.Now))
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.RecordUsage(context.Background(), subID, plan.DimensionScans, 1, "jan-1")
		require.NoError(t, err)

		err = eng.Rollover(context.Background(), subID)
		assert.ErrorIs(t, err, metering.ErrRolloverAlreadyApplied)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		t.Parallel()
		eng, resolver, _ := newTestEngine(t, metering.Config{})
		subID := resolver.add(subscription.StatusActive)

		_, err := eng.Snapshot(context.Background(), subID, "2025-12")
		assert.ErrorIs(t, err, metering.ErrSnapshotNotFound)
	})
}
