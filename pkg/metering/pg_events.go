package metering

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/plan"
)

// PGEventStore persists usage events in Postgres. The table is append-only
// with a unique index on the idempotency key, so a replayed append that
// somehow bypasses the ledger claim is still rejected at the storage layer.
// Schema is managed by goose (see migrations/, applied via pkg/pg.Migrate).
type PGEventStore struct {
	pool *pgxpool.Pool
}

func NewPGEventStore(pool *pgxpool.Pool) *PGEventStore {
	if pool == nil {
		panic("metering: pgx pool is required")
	}
	return &PGEventStore{pool: pool}
}

func (s *PGEventStore) Append(ctx context.Context, event UsageEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_events (id, subscription_id, dimension, quantity, period, idempotency_key, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SubscriptionID, string(event.Dimension),
		event.Quantity, event.Period, event.IdempotencyKey, event.RecordedAt,
	)

	if pg.IsDuplicateKeyError(err) {
		return nil // duplicate idempotency key, event already recorded
	}
	return err
}

func (s *PGEventStore) List(ctx context.Context, subID uuid.UUID, period string) ([]UsageEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, dimension, quantity, period, idempotency_key, recorded_at
		FROM usage_events
		WHERE subscription_id = $1 AND period = $2
		ORDER BY recorded_at`,
		subID, period,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var e UsageEvent
		var dim string
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &dim, &e.Quantity, &e.Period, &e.IdempotencyKey, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Dimension = plan.Dimension(dim)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
