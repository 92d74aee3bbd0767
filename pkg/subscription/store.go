package subscription

import (
	"context"

	"github.com/google/uuid"
)

// Store defines subscription persistence. Implementations must make Create
// and Swap conditional operations: concurrent writers racing on the same
// record get ErrDuplicateSubscription / a conflict, never a lost update.
type Store interface {
	// Create persists a new subscription and claims the customer+product
	// uniqueness slot. Returns ErrDuplicateSubscription when the customer
	// already holds a live subscription for the product code.
	Create(ctx context.Context, sub *Subscription) error

	// Get returns a subscription by ID or ErrSubscriptionNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetByCustomer returns all subscriptions owned by a customer.
	GetByCustomer(ctx context.Context, customerID string) ([]*Subscription, error)

	// Swap replaces the stored record only if it still equals old. Callers
	// re-read and retry on conflict rather than overwriting blindly.
	Swap(ctx context.Context, old, new *Subscription) error

	// ReleaseProduct frees the customer+product uniqueness slot, allowing the
	// customer to subscribe to the product again after cancellation.
	ReleaseProduct(ctx context.Context, customerID, productCode string) error

	// AppendHistory writes one immutable transition record.
	AppendHistory(ctx context.Context, entry HistoryEntry) error

	// History returns a subscription's transition records in order.
	History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error)
}
