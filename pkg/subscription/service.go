package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/plan"
)

// swapRetries bounds re-read attempts when a concurrent writer wins the CAS.
const swapRetries = 5

// CacheInvalidator drops the cached entitlement view for a subscription.
// The lifecycle service calls it synchronously on every status change so
// entitlement answers never lag behind the subscription state.
type CacheInvalidator interface {
	Invalidate(subscriptionID uuid.UUID)
}

// Service manages the subscription lifecycle against the plan catalog.
type Service struct {
	plans       map[string]plan.Plan
	store       Store
	invalidator CacheInvalidator
	retention   time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewService loads the plan catalog and returns a lifecycle service.
// Panics if src or store is nil to fail fast during initialization.
func NewService(ctx context.Context, src plan.Source, store Store, opts ...ServiceOption) (*Service, error) {
	if src == nil {
		panic("subscription: plan source is required")
	}
	if store == nil {
		panic("subscription: store is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	s := &Service{
		plans:     plans,
		store:     store,
		retention: 30 * 24 * time.Hour,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create registers a new subscription for the customer and plan, then
// immediately promotes it to active. The pending record and the activation
// both leave history entries so the audit trail shows the full path.
func (s *Service) Create(ctx context.Context, customerID, planID, eventID string) (*Subscription, error) {
	p, ok := s.plans[planID]
	if !ok {
		return nil, ErrInvalidPlan
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:          uuid.New(),
		CustomerID:  customerID,
		PlanID:      planID,
		ProductCode: p.ProductCode,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		PeriodStart: now,
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, sub.ID, "", StatusPending, eventID)

	activated, err := s.transition(ctx, sub.ID, StatusActive, eventID, nil)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("customer_id", customerID),
		slog.String("plan_id", planID))
	return activated, nil
}

// Get returns a subscription by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// GetByCustomer returns all subscriptions owned by a customer, oldest first.
func (s *Service) GetByCustomer(ctx context.Context, customerID string) ([]*Subscription, error) {
	return s.store.GetByCustomer(ctx, customerID)
}

// Plan resolves a subscription's catalog entry.
func (s *Service) Plan(sub *Subscription) (plan.Plan, error) {
	p, ok := s.plans[sub.PlanID]
	if !ok {
		return plan.Plan{}, ErrInvalidPlan
	}
	return p, nil
}

// Suspend moves an active subscription to suspended. Suspending an already
// suspended subscription is a no-op; any other state is a conflict.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, eventID string) (*Subscription, error) {
	return s.transition(ctx, id, StatusSuspended, eventID, func(sub *Subscription) error {
		if sub.Status == StatusSuspended {
			return errAlreadyThere
		}
		if sub.Status != StatusActive {
			return ErrInvalidTransition
		}
		return nil
	})
}

// Reactivate moves a suspended subscription back to active.
func (s *Service) Reactivate(ctx context.Context, id uuid.UUID, eventID string) (*Subscription, error) {
	return s.transition(ctx, id, StatusActive, eventID, func(sub *Subscription) error {
		if sub.Status != StatusSuspended {
			return ErrInvalidTransition
		}
		return nil
	})
}

// Cancel terminates an active or suspended subscription. Cancelling an
// already cancelled subscription returns ErrAlreadyCancelled; callers that
// need idempotent cancel must check the current status first.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, eventID string) (*Subscription, error) {
	sub, err := s.transition(ctx, id, StatusCancelled, eventID, func(sub *Subscription) error {
		if sub.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		if sub.Status != StatusActive && sub.Status != StatusSuspended {
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Free the product slot so the customer can subscribe again later.
	if err := s.store.ReleaseProduct(ctx, sub.CustomerID, sub.ProductCode); err != nil {
		s.log.ErrorContext(ctx, "failed to release product claim",
			slog.String("subscription_id", id.String()), slog.Any("error", err))
	}
	return sub, nil
}

// ChangePlan switches a subscription to another plan of the same product.
// Downgrades are refused while the current period's usage already exceeds the
// target plan's allowances, since that would bill instant overage.
func (s *Service) ChangePlan(ctx context.Context, id uuid.UUID, targetPlanID string, usage map[plan.Dimension]int64, eventID string) (*Subscription, error) {
	target, ok := s.plans[targetPlanID]
	if !ok {
		return nil, ErrInvalidPlan
	}
	if !target.CoversUsage(usage) {
		return nil, ErrDowngradeNotPossible
	}

	for range swapRetries {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !sub.IsActive() {
			return nil, ErrInvalidTransition
		}
		if sub.ProductCode != target.ProductCode {
			return nil, ErrInvalidPlan
		}

		updated := *sub
		updated.PlanID = targetPlanID
		updated.UpdatedAt = s.now().UTC()

		if err := s.store.Swap(ctx, sub, &updated); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				continue
			}
			return nil, err
		}

		s.invalidate(updated.ID)
		s.log.InfoContext(ctx, "subscription plan changed",
			slog.String("subscription_id", id.String()),
			slog.String("plan_id", targetPlanID),
			slog.String("event_id", eventID))
		return &updated, nil
	}
	return nil, ledger.ErrConflict
}

// Archive soft-deletes a cancelled subscription once the retention window has
// elapsed. The record stays readable for audit; only ArchivedAt is set.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	for range swapRetries {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !sub.IsCancelled() {
			return nil, ErrNotCancelled
		}
		if sub.ArchivedAt != nil {
			return sub, nil
		}
		if sub.CancelledAt != nil && s.now().UTC().Sub(*sub.CancelledAt) < s.retention {
			return nil, ErrRetentionNotElapsed
		}

		now := s.now().UTC()
		updated := *sub
		updated.ArchivedAt = &now
		updated.UpdatedAt = now

		if err := s.store.Swap(ctx, sub, &updated); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				continue
			}
			return nil, err
		}
		return &updated, nil
	}
	return nil, ledger.ErrConflict
}

// History returns the audit trail of a subscription's transitions.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	return s.store.History(ctx, id)
}

// errAlreadyThere signals a no-op transition inside the check callback.
var errAlreadyThere = errors.New("subscription: already in target state")

// transition applies one guarded state change with CAS retry. The check
// callback validates the current state; the state machine table is the final
// authority on whether the move is permitted.
func (s *Service) transition(ctx context.Context, id uuid.UUID, target Status, eventID string, check func(*Subscription) error) (*Subscription, error) {
	for range swapRetries {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if check != nil {
			if err := check(sub); err != nil {
				if errors.Is(err, errAlreadyThere) {
					return sub, nil
				}
				return nil, err
			}
		}
		if !sub.Status.CanTransitionTo(target) {
			return nil, ErrInvalidTransition
		}

		now := s.now().UTC()
		updated := *sub
		updated.Status = target
		updated.UpdatedAt = now
		if target == StatusCancelled {
			updated.CancelledAt = &now
		}

		if err := s.store.Swap(ctx, sub, &updated); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				continue // another writer got there first, re-read and re-check
			}
			return nil, err
		}

		s.appendHistory(ctx, id, sub.Status, target, eventID)
		s.invalidate(id)
		return &updated, nil
	}
	return nil, ledger.ErrConflict
}

func (s *Service) appendHistory(ctx context.Context, id uuid.UUID, from, to Status, eventID string) {
	entry := HistoryEntry{
		SubscriptionID: id,
		From:           from,
		To:             to,
		At:             s.now().UTC(),
		TriggeredBy:    eventID,
	}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		// History is an audit trail, not a transactional participant; a
		// failed append must not roll back the transition itself.
		s.log.ErrorContext(ctx, "failed to append subscription history",
			slog.String("subscription_id", id.String()), slog.Any("error", err))
	}
}

func (s *Service) invalidate(id uuid.UUID) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}
}
