package metering

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/plan"
)

// UsageEvent is one immutable audit record of an applied usage report.
type UsageEvent struct {
	ID             uuid.UUID      `json:"id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	Dimension      plan.Dimension `json:"dimension"`
	Quantity       int64          `json:"quantity"`
	Period         string         `json:"period"`
	IdempotencyKey string         `json:"idempotency_key"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// EventStore is the append-only usage-event audit log.
type EventStore interface {
	Append(ctx context.Context, event UsageEvent) error
	// List returns a subscription's events for one period, oldest first.
	List(ctx context.Context, subID uuid.UUID, period string) ([]UsageEvent, error)
}

// MemoryEventStore keeps events in memory. Intended for tests and for
// deployments that rely solely on the ledger counters.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Append(_ context.Context, event UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryEventStore) List(_ context.Context, subID uuid.UUID, period string) ([]UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []UsageEvent
	for _, e := range s.events {
		if e.SubscriptionID == subID && e.Period == period {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b UsageEvent) int {
		return a.RecordedAt.Compare(b.RecordedAt)
	})
	return out, nil
}
