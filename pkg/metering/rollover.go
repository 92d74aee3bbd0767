package metering

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/plan"
)

// PeriodSnapshot is the archived usage of one closed billing period. It is
// the input the billing calculator uses for final invoicing and dispute
// resolution, so it is written exactly once and never mutated.
type PeriodSnapshot struct {
	SubscriptionID uuid.UUID                `json:"subscription_id"`
	Period         string                   `json:"period"`
	Usage          map[plan.Dimension]int64 `json:"usage"`
	ClosedAt       time.Time                `json:"closed_at"`
}

// Rollover closes the subscription's current period and opens the new one.
// The transition is guarded by a compare-and-swap on the period marker, so
// exactly one of any number of concurrent callers archives the snapshot;
// the rest get ErrRolloverAlreadyApplied.
func (e *Engine) Rollover(ctx context.Context, subID uuid.UUID) error {
	current := PeriodKey(e.now())

	raw, err := e.store.Get(ctx, periodMarkerKey(subID))
	if errors.Is(err, ledger.ErrKeyNotFound) {
		// Nothing accrued yet; just open the current period.
		if _, err := e.store.SetNX(ctx, periodMarkerKey(subID), []byte(current), 0); err != nil {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	closing := string(raw)
	if closing == current {
		return ErrRolloverAlreadyApplied
	}

	// Winning the marker swap is the exactly-once guard; wall clocks only
	// decide when callers attempt it, never who wins.
	if err := e.store.CompareAndSwap(ctx, periodMarkerKey(subID), raw, []byte(current)); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return ErrRolloverAlreadyApplied
		}
		return err
	}

	snapshot, err := e.archivePeriod(ctx, subID, closing)
	if err != nil {
		return err
	}

	e.log.InfoContext(ctx, "billing period rolled over",
		slog.String("subscription_id", subID.String()),
		slog.String("closed_period", closing),
		slog.String("new_period", current),
		slog.Int("dimensions", len(snapshot.Usage)))
	return nil
}

// archivePeriod copies the closing period's accrued counters into an
// immutable snapshot record.
func (e *Engine) archivePeriod(ctx context.Context, subID uuid.UUID, period string) (*PeriodSnapshot, error) {
	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	p, err := e.subs.Plan(sub)
	if err != nil {
		return nil, err
	}

	snapshot := &PeriodSnapshot{
		SubscriptionID: subID,
		Period:         period,
		Usage:          make(map[plan.Dimension]int64, len(p.Allowances)),
		ClosedAt:       e.now().UTC(),
	}
	for dim := range p.Allowances {
		total, err := e.store.GetCounter(ctx, usageKey(subID, period, dim))
		if err != nil {
			return nil, err
		}
		if total > 0 {
			snapshot.Usage[dim] = total
		}
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	if err := e.store.CompareAndSwap(ctx, snapshotKey(subID, period), nil, raw); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return snapshot, nil // archived by an earlier, interrupted rollover
		}
		return nil, err
	}
	return snapshot, nil
}

// Snapshot returns the archived usage of a closed period.
func (e *Engine) Snapshot(ctx context.Context, subID uuid.UUID, period string) (*PeriodSnapshot, error) {
	raw, err := e.store.Get(ctx, snapshotKey(subID, period))
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	var snapshot PeriodSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
