package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// Config controls evaluator caching.
type Config struct {
	// CacheSize caps the number of cached customer views.
	CacheSize int `env:"ENTITLEMENT_CACHE_SIZE" envDefault:"1024"`
	// CacheTTL bounds view staleness even without invalidation traffic.
	CacheTTL time.Duration `env:"ENTITLEMENT_CACHE_TTL" envDefault:"1m"`
}

// SubscriptionSource provides the subscription reads the evaluator needs.
// Satisfied by *subscription.Service.
type SubscriptionSource interface {
	GetByCustomer(ctx context.Context, customerID string) ([]*subscription.Subscription, error)
	Plan(sub *subscription.Subscription) (plan.Plan, error)
}

// UsageSource provides current-period usage reads and guarded debits.
// Satisfied by *metering.Engine.
type UsageSource interface {
	UsageFor(ctx context.Context, subID uuid.UUID, dim plan.Dimension) (int64, error)
	GatedDebit(ctx context.Context, subID uuid.UUID, dim plan.Dimension, quantity, allowance int64, idempotencyKey string) (int64, error)
}

// Quota is the answer to a quota check.
type Quota struct {
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	Dimension      plan.Dimension `json:"dimension"`
	Requested      int64          `json:"requested"`
	Allowed        bool           `json:"allowed"`
	Unlimited      bool           `json:"unlimited"`
	Limit          int64          `json:"limit"`
	Used           int64          `json:"used"`
	// Remaining is floored at zero; overshoot shows up in Used, not here.
	Remaining int64 `json:"remaining"`
}

// Evaluator answers feature and quota questions for customers.
type Evaluator struct {
	subs  SubscriptionSource
	usage UsageSource
	cache *viewCache
	log   *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Evaluator) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the cache TTL time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.cache.now = now
	}
}

// NewEvaluator wires the entitlement evaluator. Both sources are required.
func NewEvaluator(subs SubscriptionSource, usage UsageSource, cfg Config, opts ...Option) *Evaluator {
	if subs == nil {
		panic("entitlement: subscription source is required")
	}
	if usage == nil {
		panic("entitlement: usage source is required")
	}

	e := &Evaluator{
		subs:  subs,
		usage: usage,
		cache: newViewCache(cfg.CacheSize, cfg.CacheTTL, nil),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invalidate drops the cached view holding the given subscription. Implements
// subscription.CacheInvalidator so lifecycle transitions take effect on the
// next entitlement check.
func (e *Evaluator) Invalidate(subscriptionID uuid.UUID) {
	e.cache.invalidateSub(subscriptionID)
}

// HasEntitlement reports whether any of the customer's active subscriptions
// carries the feature. Every failure mode answers false: no subscription,
// suspended or cancelled status, unknown plan, storage errors.
func (e *Evaluator) HasEntitlement(ctx context.Context, customerID string, feature plan.Feature) bool {
	view, err := e.loadView(ctx, customerID)
	if err != nil {
		e.log.WarnContext(ctx, "entitlement check failed closed",
			slog.String("customer_id", customerID),
			slog.String("feature", string(feature)),
			slog.Any("error", err))
		return false
	}

	for _, s := range view.live() {
		if s.Plan.HasFeature(feature) {
			return true
		}
	}
	return false
}

// CheckQuota reports whether the customer can use the requested quantity on a
// dimension: Allowed is requested <= Remaining. A non-positive request checks
// for a single unit. The answer is advisory; use Reserve for an atomic
// check-and-debit on gating dimensions.
func (e *Evaluator) CheckQuota(ctx context.Context, customerID string, dim plan.Dimension, requested int64) (*Quota, error) {
	if requested < 1 {
		requested = 1
	}

	sub, allowance, err := e.resolveDimension(ctx, customerID, dim)
	if err != nil {
		return nil, err
	}

	used, err := e.usage.UsageFor(ctx, sub.ID, dim)
	if err != nil {
		return nil, err
	}

	q := &Quota{
		SubscriptionID: sub.ID,
		Dimension:      dim,
		Requested:      requested,
		Limit:          allowance,
		Used:           used,
	}

	if allowance == plan.Unlimited {
		q.Unlimited = true
		q.Allowed = true
		return q, nil
	}

	q.Remaining = max(allowance-used, 0)
	q.Allowed = requested <= q.Remaining
	return q, nil
}

// Reserve atomically checks and debits quota on a gating dimension. The check
// and the debit are one guarded ledger operation, so concurrent reservations
// can never overshoot the allowance. Exhausted quota returns ErrQuotaExceeded.
// A non-empty idempotencyKey makes the reservation replay-safe: retries with
// the same key return the original outcome without debiting again.
func (e *Evaluator) Reserve(ctx context.Context, customerID string, dim plan.Dimension, quantity int64, idempotencyKey string) (*Quota, error) {
	sub, allowance, err := e.resolveDimension(ctx, customerID, dim)
	if err != nil {
		return nil, err
	}
	if !sub.Plan.IsGating(dim) {
		return nil, ErrDimensionNotGated
	}

	limit := allowance
	if allowance == plan.Unlimited {
		// Unlimited gating never denies, but the debit still lands so the
		// counter stays authoritative for billing.
		limit = math.MaxInt64
	}

	used, err := e.usage.GatedDebit(ctx, sub.ID, dim, quantity, limit, idempotencyKey)
	if err != nil {
		if errors.Is(err, ledger.ErrGuardFailed) {
			return nil, ErrQuotaExceeded
		}
		return nil, err
	}

	q := &Quota{
		SubscriptionID: sub.ID,
		Dimension:      dim,
		Requested:      quantity,
		Allowed:        true,
		Limit:          allowance,
		Used:           used,
	}
	if allowance == plan.Unlimited {
		q.Unlimited = true
	} else {
		q.Remaining = max(allowance-used, 0)
	}
	return q, nil
}

// resolveDimension finds the customer's active subscription covering dim.
func (e *Evaluator) resolveDimension(ctx context.Context, customerID string, dim plan.Dimension) (*subView, int64, error) {
	view, err := e.loadView(ctx, customerID)
	if err != nil {
		return nil, 0, err
	}

	live := view.live()
	if len(live) == 0 {
		return nil, 0, ErrNoActiveSubscription
	}
	for i := range live {
		if allowance, ok := live[i].Plan.Allowance(dim); ok {
			return &live[i], allowance, nil
		}
	}
	return nil, 0, ErrDimensionNotCovered
}

// loadView returns the customer's cached entitlement view, loading it from
// the subscription service on a miss.
func (e *Evaluator) loadView(ctx context.Context, customerID string) (*customerView, error) {
	if view, ok := e.cache.get(customerID); ok {
		return view, nil
	}

	subs, err := e.subs.GetByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	view := &customerView{CustomerID: customerID}
	for _, sub := range subs {
		if sub.ArchivedAt != nil {
			continue
		}
		p, err := e.subs.Plan(sub)
		if err != nil {
			return nil, err
		}
		view.Subscriptions = append(view.Subscriptions, subView{
			ID:     sub.ID,
			Status: sub.Status,
			Plan:   p,
		})
	}

	e.cache.put(view)
	return view, nil
}
