package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// Config controls metering policy.
type Config struct {
	// AllowSuspendedAccrual lets suspended subscriptions keep accruing usage.
	// Off by default: suspended customers are rejected at recording time.
	AllowSuspendedAccrual bool `env:"METERING_ALLOW_SUSPENDED_ACCRUAL" envDefault:"false"`
	// IdempotencyTTL bounds how long applied idempotency keys are retained.
	// Must comfortably exceed the caller's retry horizon.
	IdempotencyTTL time.Duration `env:"METERING_IDEMPOTENCY_TTL" envDefault:"720h"`
	// MaxBatchSize caps items per reporting API call.
	MaxBatchSize int `env:"METERING_MAX_BATCH_SIZE" envDefault:"25"`
	// SubmitRetries bounds flush retry attempts per batch.
	SubmitRetries int `env:"METERING_SUBMIT_RETRIES" envDefault:"3"`
}

// SubscriptionResolver provides the subscription lookups the engine needs.
// Satisfied by *subscription.Service.
type SubscriptionResolver interface {
	Get(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error)
	Plan(sub *subscription.Subscription) (plan.Plan, error)
}

// Ack is the outcome of one usage report.
type Ack struct {
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	Dimension      plan.Dimension `json:"dimension"`
	Quantity       int64          `json:"quantity"`
	Total          int64          `json:"total"`  // accrued total after applying
	Period         string         `json:"period"` // billing period key (YYYY-MM)
	Replayed       bool           `json:"replayed"`
}

// Engine is the usage metering engine.
type Engine struct {
	store    ledger.Ledger
	subs     SubscriptionResolver
	events   EventStore
	reporter Reporter
	cfg      Config
	backoff  BackoffStrategy
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine wires the metering engine. The ledger and subscription resolver
// are required; reporter and event store may be nil when flushing or audit
// logging is handled elsewhere (e.g. in tests).
func NewEngine(store ledger.Ledger, subs SubscriptionResolver, cfg Config, opts ...EngineOption) *Engine {
	if store == nil {
		panic("metering: ledger is required")
	}
	if subs == nil {
		panic("metering: subscription resolver is required")
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 25
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 3
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 30 * 24 * time.Hour
	}

	e := &Engine{
		store:   store,
		subs:    subs,
		cfg:     cfg,
		backoff: DefaultBackoffStrategy(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger key layout:
//
//	usage:<sub>:<period>:<dim>     accrued counter
//	reported:<sub>:<period>:<dim>  reported-to-marketplace counter
//	idem:<key>                     applied idempotency key -> Ack JSON
//	resv:<key>                     applied reservation key -> reservation JSON
//	period:<sub>                   current period marker
//	snapshot:<sub>:<period>        archived period snapshot JSON
func usageKey(id uuid.UUID, period string, dim plan.Dimension) string {
	return fmt.Sprintf("usage:%s:%s:%s", id, period, dim)
}

func reportedKey(id uuid.UUID, period string, dim plan.Dimension) string {
	return fmt.Sprintf("reported:%s:%s:%s", id, period, dim)
}

func idemKey(key string) string          { return "idem:" + key }
func resvKey(key string) string          { return "resv:" + key }
func periodMarkerKey(id uuid.UUID) string { return "period:" + id.String() }

func snapshotKey(id uuid.UUID, period string) string {
	return fmt.Sprintf("snapshot:%s:%s", id, period)
}

// PeriodKey returns the billing period identifier for a point in time.
// Periods are calendar months in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordUsage applies one usage report to the subscription's current-period
// accumulator. Calls that repeat an idempotency key return the originally
// recorded Ack with Replayed set and leave the accumulator untouched.
func (e *Engine) RecordUsage(ctx context.Context, subID uuid.UUID, dim plan.Dimension, quantity int64, idempotencyKey string) (*Ack, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if idempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}

	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case subscription.StatusActive:
	case subscription.StatusSuspended:
		if !e.cfg.AllowSuspendedAccrual {
			return nil, ErrSubscriptionNotActive
		}
	default:
		return nil, ErrSubscriptionNotActive
	}

	p, err := e.subs.Plan(sub)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Allowance(dim); !ok {
		return nil, ErrDimensionNotInPlan
	}

	period, err := e.ensurePeriod(ctx, subID)
	if err != nil {
		return nil, err
	}

	// Claim the idempotency key before touching the counter; the claim is the
	// exactly-once guard under concurrent redelivery.
	pending := Ack{
		SubscriptionID: subID,
		Dimension:      dim,
		Quantity:       quantity,
		Period:         period,
	}
	pendingRaw, err := json.Marshal(pending)
	if err != nil {
		return nil, err
	}

	claimed, err := e.store.SetNX(ctx, idemKey(idempotencyKey), pendingRaw, e.cfg.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return e.replayedAck(ctx, subID, idempotencyKey)
	}

	total, err := e.store.Increment(ctx, usageKey(subID, period, dim), quantity)
	if err != nil {
		// Release the claim so the caller's retry re-applies the report;
		// leaving it would turn every retry into a replay of a report that
		// never reached the counter.
		if derr := e.store.Delete(ctx, idemKey(idempotencyKey)); derr != nil {
			e.log.ErrorContext(ctx, "failed to release idempotency claim",
				slog.String("idempotency_key", idempotencyKey), slog.Any("error", derr))
		}
		return nil, err
	}

	ack := pending
	ack.Total = total
	ackRaw, err := json.Marshal(ack)
	if err == nil {
		// Overwrite the claim with the final outcome so replays see the total.
		if perr := e.store.Put(ctx, idemKey(idempotencyKey), ackRaw); perr != nil {
			e.log.ErrorContext(ctx, "failed to record usage outcome",
				slog.String("idempotency_key", idempotencyKey), slog.Any("error", perr))
		}
	}

	e.appendEvent(ctx, UsageEvent{
		ID:             uuid.New(),
		SubscriptionID: subID,
		Dimension:      dim,
		Quantity:       quantity,
		Period:         period,
		IdempotencyKey: idempotencyKey,
		RecordedAt:     e.now().UTC(),
	})

	return &ack, nil
}

// replayedAck returns the stored outcome for a previously applied key.
func (e *Engine) replayedAck(ctx context.Context, subID uuid.UUID, idempotencyKey string) (*Ack, error) {
	raw, err := e.store.Get(ctx, idemKey(idempotencyKey))
	if err != nil {
		return nil, err
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, err
	}
	if ack.SubscriptionID != subID {
		// Same key reused across subscriptions is a caller bug, not a replay.
		return nil, errors.Join(ErrMissingIdempotencyKey,
			fmt.Errorf("idempotency key %q belongs to subscription %s", idempotencyKey, ack.SubscriptionID))
	}
	ack.Replayed = true
	return &ack, nil
}

// Usage returns the current-period accrued totals for every dimension the
// subscription's plan covers.
func (e *Engine) Usage(ctx context.Context, subID uuid.UUID) (map[plan.Dimension]int64, string, error) {
	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return nil, "", err
	}
	p, err := e.subs.Plan(sub)
	if err != nil {
		return nil, "", err
	}

	period, err := e.ensurePeriod(ctx, subID)
	if err != nil {
		return nil, "", err
	}

	usage := make(map[plan.Dimension]int64, len(p.Allowances))
	for dim := range p.Allowances {
		total, err := e.store.GetCounter(ctx, usageKey(subID, period, dim))
		if err != nil {
			return nil, "", err
		}
		usage[dim] = total
	}
	return usage, period, nil
}

// UsageFor returns the accrued total for a single dimension in the current
// period. Used by the entitlement evaluator for quota checks.
func (e *Engine) UsageFor(ctx context.Context, subID uuid.UUID, dim plan.Dimension) (int64, error) {
	period, err := e.ensurePeriod(ctx, subID)
	if err != nil {
		return 0, err
	}
	return e.store.GetCounter(ctx, usageKey(subID, period, dim))
}

// reservation is the recorded outcome of an idempotent gated debit.
type reservation struct {
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	Dimension      plan.Dimension `json:"dimension"`
	Quantity       int64          `json:"quantity"`
	Used           int64          `json:"used"`
}

// GatedDebit performs the combined check-and-debit for an access-gating
// dimension: the accrued counter is incremented only if the result stays
// within the allowance, in one guarded ledger operation. Returns
// ledger.ErrGuardFailed when the quota is exhausted.
//
// A non-empty idempotencyKey makes the debit replay-safe: a repeated call
// with the same key returns the originally recorded counter value without
// debiting again. Denied or failed debits release the key so the same
// reservation can be retried.
func (e *Engine) GatedDebit(ctx context.Context, subID uuid.UUID, dim plan.Dimension, quantity, allowance int64, idempotencyKey string) (int64, error) {
	period, err := e.ensurePeriod(ctx, subID)
	if err != nil {
		return 0, err
	}
	if idempotencyKey == "" {
		return e.store.IncrementIfBelow(ctx, usageKey(subID, period, dim), quantity, allowance)
	}

	pending := reservation{SubscriptionID: subID, Dimension: dim, Quantity: quantity}
	pendingRaw, err := json.Marshal(pending)
	if err != nil {
		return 0, err
	}

	claimed, err := e.store.SetNX(ctx, resvKey(idempotencyKey), pendingRaw, e.cfg.IdempotencyTTL)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return e.replayedReservation(ctx, subID, idempotencyKey)
	}

	used, err := e.store.IncrementIfBelow(ctx, usageKey(subID, period, dim), quantity, allowance)
	if err != nil {
		// Nothing was debited, so the key must stay reusable: a denied
		// reservation may succeed later once capacity frees up.
		if derr := e.store.Delete(ctx, resvKey(idempotencyKey)); derr != nil {
			e.log.ErrorContext(ctx, "failed to release reservation claim",
				slog.String("idempotency_key", idempotencyKey), slog.Any("error", derr))
		}
		return 0, err
	}

	outcome := pending
	outcome.Used = used
	if raw, merr := json.Marshal(outcome); merr == nil {
		if perr := e.store.Put(ctx, resvKey(idempotencyKey), raw); perr != nil {
			e.log.ErrorContext(ctx, "failed to record reservation outcome",
				slog.String("idempotency_key", idempotencyKey), slog.Any("error", perr))
		}
	}
	return used, nil
}

// replayedReservation returns the recorded counter value for an applied key.
func (e *Engine) replayedReservation(ctx context.Context, subID uuid.UUID, idempotencyKey string) (int64, error) {
	raw, err := e.store.Get(ctx, resvKey(idempotencyKey))
	if err != nil {
		return 0, err
	}

	var r reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, err
	}
	if r.SubscriptionID != subID {
		return 0, errors.Join(ErrMissingIdempotencyKey,
			fmt.Errorf("reservation key %q belongs to subscription %s", idempotencyKey, r.SubscriptionID))
	}
	return r.Used, nil
}

// ensurePeriod returns the subscription's current period marker, creating it
// on first use and rolling it over when the calendar boundary has passed.
func (e *Engine) ensurePeriod(ctx context.Context, subID uuid.UUID) (string, error) {
	current := PeriodKey(e.now())

	raw, err := e.store.Get(ctx, periodMarkerKey(subID))
	if errors.Is(err, ledger.ErrKeyNotFound) {
		if _, err := e.store.SetNX(ctx, periodMarkerKey(subID), []byte(current), 0); err != nil {
			return "", err
		}
		return current, nil
	}
	if err != nil {
		return "", err
	}

	marked := string(raw)
	if marked == current {
		return current, nil
	}

	if err := e.Rollover(ctx, subID); err != nil && !errors.Is(err, ErrRolloverAlreadyApplied) {
		return "", err
	}
	return current, nil
}

func (e *Engine) appendEvent(ctx context.Context, event UsageEvent) {
	if e.events == nil {
		return
	}
	// The audit log is secondary to the accounting itself; an append failure
	// is surfaced in logs and reconciled offline, never unwound.
	if err := e.events.Append(ctx, event); err != nil {
		e.log.ErrorContext(ctx, "failed to append usage event",
			slog.String("subscription_id", event.SubscriptionID.String()),
			slog.Any("error", err))
	}
}
