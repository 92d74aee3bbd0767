// Package billing assembles the billing subsystem: subscription lifecycle,
// usage metering, entitlement evaluation, webhook ingestion and billing
// summaries behind one facade the platform calls.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/entitlement"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/metering"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// Config aggregates the component configs the facade wires together.
type Config struct {
	Metering    metering.Config
	Entitlement entitlement.Config
	Webhook     webhook.Config
}

// Service is the platform-facing entry point to the billing subsystem.
type Service struct {
	subs      *subscription.Service
	engine    *metering.Engine
	evaluator *entitlement.Evaluator
	ingestor  *webhook.Ingestor
	log       *slog.Logger
	now       func() time.Time
}

// Option configures the facade.
type Option func(*options)

type options struct {
	log          *slog.Logger
	now          func() time.Time
	reporter     metering.Reporter
	events       metering.EventStore
	subscription []subscription.ServiceOption
}

// WithLogger sets the structured logger for every component.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithReporter wires the external usage reporting client.
func WithReporter(r metering.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithEventStore wires the usage-event audit log.
func WithEventStore(s metering.EventStore) Option {
	return func(o *options) { o.events = s }
}

// WithSubscriptionOptions forwards options to the lifecycle service.
func WithSubscriptionOptions(opts ...subscription.ServiceOption) Option {
	return func(o *options) { o.subscription = append(o.subscription, opts...) }
}

// New wires the whole subsystem on one ledger. The same ledger instance backs
// subscription records, usage counters and webhook deduplication, so a single
// Redis or Mongo deployment carries all billing state.
func New(ctx context.Context, store ledger.Ledger, src plan.Source, cfg Config, opts ...Option) (*Service, error) {
	o := &options{
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	// The evaluator does not exist yet when the lifecycle service is built,
	// so invalidation goes through a late-bound hook.
	hook := &invalidatorHook{}

	subOpts := append([]subscription.ServiceOption{
		subscription.WithLogger(o.log),
		subscription.WithClock(o.now),
		subscription.WithCacheInvalidator(hook),
	}, o.subscription...)

	subs, err := subscription.NewService(ctx, src, subscription.NewLedgerStore(store), subOpts...)
	if err != nil {
		return nil, err
	}

	engineOpts := []metering.EngineOption{
		metering.WithLogger(o.log),
		metering.WithClock(o.now),
	}
	if o.reporter != nil {
		engineOpts = append(engineOpts, metering.WithReporter(o.reporter))
	}
	if o.events != nil {
		engineOpts = append(engineOpts, metering.WithEventStore(o.events))
	}
	engine := metering.NewEngine(store, subs, cfg.Metering, engineOpts...)

	evaluator := entitlement.NewEvaluator(subs, engine, cfg.Entitlement,
		entitlement.WithLogger(o.log))
	hook.set(evaluator)

	ingestor, err := webhook.NewIngestor(cfg.Webhook, store,
		webhook.WithLogger(o.log),
		webhook.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	s := &Service{
		subs:      subs,
		engine:    engine,
		evaluator: evaluator,
		ingestor:  ingestor,
		log:       o.log,
		now:       o.now,
	}
	s.registerWebhookHandlers()
	return s, nil
}

// invalidatorHook forwards cache invalidations to the evaluator once it is
// wired. Transitions before that point have nothing cached to invalidate.
type invalidatorHook struct {
	target atomic.Pointer[entitlement.Evaluator]
}

func (h *invalidatorHook) set(ev *entitlement.Evaluator) {
	h.target.Store(ev)
}

func (h *invalidatorHook) Invalidate(subscriptionID uuid.UUID) {
	if ev := h.target.Load(); ev != nil {
		ev.Invalidate(subscriptionID)
	}
}

// directAPIEvent marks transitions triggered by the platform API rather than
// a marketplace message.
const directAPIEvent = "api"

// CreateSubscription provisions and activates a subscription.
func (s *Service) CreateSubscription(ctx context.Context, customerID, planID string) (*subscription.Subscription, error) {
	return s.subs.Create(ctx, customerID, planID, directAPIEvent)
}

// GetSubscription returns a subscription by ID.
func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	return s.subs.Get(ctx, id)
}

// CustomerSubscriptions returns every subscription a customer holds.
func (s *Service) CustomerSubscriptions(ctx context.Context, customerID string) ([]*subscription.Subscription, error) {
	return s.subs.GetByCustomer(ctx, customerID)
}

// SuspendSubscription pauses entitlements, keeping usage state intact.
func (s *Service) SuspendSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	return s.subs.Suspend(ctx, id, directAPIEvent)
}

// ReactivateSubscription restores a suspended subscription.
func (s *Service) ReactivateSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	return s.subs.Reactivate(ctx, id, directAPIEvent)
}

// CancelSubscription terminates a subscription and frees its product slot.
func (s *Service) CancelSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	return s.subs.Cancel(ctx, id, directAPIEvent)
}

// ChangePlan moves a subscription to another plan of the same product.
// Downgrades are guarded against the current period's usage.
func (s *Service) ChangePlan(ctx context.Context, id uuid.UUID, targetPlanID string) (*subscription.Subscription, error) {
	usage, _, err := s.engine.Usage(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.subs.ChangePlan(ctx, id, targetPlanID, usage, directAPIEvent)
}

// SubscriptionHistory returns the audit trail of lifecycle transitions.
func (s *Service) SubscriptionHistory(ctx context.Context, id uuid.UUID) ([]subscription.HistoryEntry, error) {
	return s.subs.History(ctx, id)
}

// RecordUsage applies one idempotent usage report.
func (s *Service) RecordUsage(ctx context.Context, subID uuid.UUID, dim plan.Dimension, quantity int64, idempotencyKey string) (*metering.Ack, error) {
	return s.engine.RecordUsage(ctx, subID, dim, quantity, idempotencyKey)
}

// FlushUsage submits unreported usage to the marketplace reporting API.
func (s *Service) FlushUsage(ctx context.Context, subID uuid.UUID) (*metering.FlushResult, error) {
	return s.engine.Flush(ctx, subID)
}

// RolloverPeriod closes the subscription's current billing period.
func (s *Service) RolloverPeriod(ctx context.Context, subID uuid.UUID) error {
	return s.engine.Rollover(ctx, subID)
}

// HasEntitlement reports feature access. Fail-closed.
func (s *Service) HasEntitlement(ctx context.Context, customerID string, feature plan.Feature) bool {
	return s.evaluator.HasEntitlement(ctx, customerID, feature)
}

// CheckQuota reports whether the customer can use the requested quantity on a
// usage dimension.
func (s *Service) CheckQuota(ctx context.Context, customerID string, dim plan.Dimension, quantity int64) (*entitlement.Quota, error) {
	return s.evaluator.CheckQuota(ctx, customerID, dim, quantity)
}

// ReserveQuota atomically checks and debits a gating dimension. A non-empty
// idempotencyKey makes retried reservations replay-safe.
func (s *Service) ReserveQuota(ctx context.Context, customerID string, dim plan.Dimension, quantity int64, idempotencyKey string) (*entitlement.Quota, error) {
	return s.evaluator.Reserve(ctx, customerID, dim, quantity, idempotencyKey)
}

// ProcessWebhook verifies and dispatches one marketplace message.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, headers webhook.SignatureHeaders) (*webhook.Result, error) {
	return s.ingestor.Process(ctx, payload, headers)
}

// BillingSummary computes the charge for a subscription period. The current
// period is priced from live counters; closed periods come from the archived
// snapshot written at rollover.
func (s *Service) BillingSummary(ctx context.Context, subID uuid.UUID, period string) (*billing.Summary, error) {
	sub, err := s.subs.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	p, err := s.subs.Plan(sub)
	if err != nil {
		return nil, err
	}

	var usage map[plan.Dimension]int64

	current, currentPeriod, err := s.engine.Usage(ctx, subID)
	if err != nil {
		return nil, err
	}
	if period == "" || period == currentPeriod {
		usage = current
		period = currentPeriod
	} else {
		snapshot, err := s.engine.Snapshot(ctx, subID, period)
		if err != nil {
			return nil, err
		}
		usage = snapshot.Usage
	}

	end, err := periodEnd(period)
	if err != nil {
		return nil, err
	}

	summary := billing.Calculate(p, subID.String(), usage, end)
	return &summary, nil
}

// periodEnd returns the instant a billing period closes.
func periodEnd(period string) (time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, fmt.Errorf("billing: invalid period %q: %w", period, err)
	}
	return start.AddDate(0, 1, 0), nil
}

// registerWebhookHandlers binds marketplace notification kinds to lifecycle
// operations. Handler errors leave the message unclaimed so marketplace
// redelivery retries them.
func (s *Service) registerWebhookHandlers() {
	s.ingestor.Handle(webhook.KindSubscriptionCreated, func(ctx context.Context, n webhook.Notification) (string, error) {
		sub, err := s.subs.Create(ctx, n.CustomerID, n.PlanID, n.MessageID)
		if err != nil {
			if errors.Is(err, subscription.ErrDuplicateSubscription) {
				return "subscription already exists", nil
			}
			return "", err
		}
		return "subscription " + sub.ID.String() + " activated", nil
	})

	s.ingestor.Handle(webhook.KindSubscriptionCancelled, func(ctx context.Context, n webhook.Notification) (string, error) {
		sub, err := s.lookup(ctx, n)
		if err != nil {
			return "", err
		}
		if _, err := s.subs.Cancel(ctx, sub.ID, n.MessageID); err != nil {
			if errors.Is(err, subscription.ErrAlreadyCancelled) {
				return "subscription already cancelled", nil
			}
			return "", err
		}
		return "subscription cancelled", nil
	})

	s.ingestor.Handle(webhook.KindSubscriptionSuspended, func(ctx context.Context, n webhook.Notification) (string, error) {
		sub, err := s.lookup(ctx, n)
		if err != nil {
			return "", err
		}
		if _, err := s.subs.Suspend(ctx, sub.ID, n.MessageID); err != nil {
			return "", err
		}
		return "subscription suspended", nil
	})

	s.ingestor.Handle(webhook.KindSubscriptionReactivated, func(ctx context.Context, n webhook.Notification) (string, error) {
		sub, err := s.lookup(ctx, n)
		if err != nil {
			return "", err
		}
		if _, err := s.subs.Reactivate(ctx, sub.ID, n.MessageID); err != nil {
			return "", err
		}
		return "subscription reactivated", nil
	})

	s.ingestor.Handle(webhook.KindPlanChanged, func(ctx context.Context, n webhook.Notification) (string, error) {
		sub, err := s.lookup(ctx, n)
		if err != nil {
			return "", err
		}
		usage, _, err := s.engine.Usage(ctx, sub.ID)
		if err != nil {
			return "", err
		}
		if _, err := s.subs.ChangePlan(ctx, sub.ID, n.PlanID, usage, n.MessageID); err != nil {
			return "", err
		}
		return "plan changed to " + n.PlanID, nil
	})

	s.ingestor.Handle(webhook.KindPaymentFailed, func(ctx context.Context, n webhook.Notification) (string, error) {
		sub, err := s.lookup(ctx, n)
		if err != nil {
			return "", err
		}
		if _, err := s.subs.Suspend(ctx, sub.ID, n.MessageID); err != nil {
			return "", err
		}
		return "subscription suspended after failed payment", nil
	})
}

// lookup resolves the subscription a notification refers to, preferring the
// explicit subscription ID and falling back to the customer's subscription.
func (s *Service) lookup(ctx context.Context, n webhook.Notification) (*subscription.Subscription, error) {
	if n.SubscriptionID != "" {
		id, err := uuid.Parse(n.SubscriptionID)
		if err == nil {
			return s.subs.Get(ctx, id)
		}
	}

	subs, err := s.subs.GetByCustomer(ctx, n.CustomerID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if !sub.IsCancelled() {
			return sub, nil
		}
	}
	return nil, subscription.ErrSubscriptionNotFound
}
