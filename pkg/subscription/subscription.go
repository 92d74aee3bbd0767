package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// allowedTransitions is the closed transition table for the lifecycle state
// machine. Anything absent here is rejected; there is no wildcard path.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusActive: true,
	},
	StatusActive: {
		StatusSuspended: true,
		StatusCancelled: true,
	},
	StatusSuspended: {
		StatusActive:    true,
		StatusCancelled: true,
	},
	StatusCancelled: {}, // terminal
}

// CanTransitionTo reports whether the state machine permits moving to target.
func (s Status) CanTransitionTo(target Status) bool {
	return allowedTransitions[s][target]
}

// Subscription is the mutable core entity tying a marketplace customer to a
// plan. Status changes go through compare-and-swap only; the usage
// accumulators live in the ledger under separate counter keys and are never
// stored on this record.
type Subscription struct {
	ID          uuid.UUID  `json:"id"`
	CustomerID  string     `json:"customer_id"` // opaque marketplace identifier
	PlanID      string     `json:"plan_id"`
	ProductCode string     `json:"product_code"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PeriodStart time.Time  `json:"period_start"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsSuspended() bool {
	return s.Status == StatusSuspended
}

func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// HistoryEntry is an immutable audit record of one state transition.
type HistoryEntry struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Sequence       int64     `json:"sequence"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	At             time.Time `json:"at"`
	// TriggeredBy carries the marketplace message ID (or "api" for direct
	// calls) that caused the transition, linking audit history to ingestion.
	TriggeredBy string `json:"triggered_by"`
}
