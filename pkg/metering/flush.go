package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/plan"
)

// ReportItem is one (dimension, quantity) tuple submitted to the external
// reporting API. The token is deterministic for the counter window it covers,
// so resubmitting the same window is idempotent on the remote side.
type ReportItem struct {
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	Dimension      plan.Dimension `json:"dimension"`
	Quantity       int64          `json:"quantity"`
	Timestamp      time.Time      `json:"timestamp"`
	Token          string         `json:"token"`
}

// ReportResult is the per-item outcome returned by the reporting API.
type ReportResult struct {
	Token    string `json:"token"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Reporter is the external billing-dimension reporting API client.
type Reporter interface {
	// Submit delivers a batch and returns per-item outcomes. The call must
	// carry a bounded timeout; retries belong to the caller.
	Submit(ctx context.Context, items []ReportItem) ([]ReportResult, error)

	// Lookup returns the recorded outcome of a previously submitted token, or
	// ErrSubmissionNotFound when the remote system has no record of it. Used
	// to resolve ambiguous failures before resubmitting.
	Lookup(ctx context.Context, token string) (*ReportResult, error)
}

// ErrSubmissionNotFound is returned by Reporter.Lookup for unknown tokens.
var ErrSubmissionNotFound = errors.New("metering: submission not found")

// FlushResult summarizes one flush run.
type FlushResult struct {
	Period   string `json:"period"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	// Pending counts items whose outcome is still unknown after retries.
	// They stay unreported and are picked up by the next flush.
	Pending int `json:"pending"`
}

// Flush submits the accrued-minus-reported delta for every plan dimension to
// the reporting API and advances the reported counters for accepted items.
// A rejected or unresolved item leaves its counter untouched, so the next
// flush re-submits the same window under the same token.
func (e *Engine) Flush(ctx context.Context, subID uuid.UUID) (*FlushResult, error) {
	if e.reporter == nil {
		return nil, errors.New("metering: no reporter configured")
	}

	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	p, err := e.subs.Plan(sub)
	if err != nil {
		return nil, err
	}

	period, err := e.ensurePeriod(ctx, subID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var items []ReportItem
	for dim := range p.Allowances {
		accrued, err := e.store.GetCounter(ctx, usageKey(subID, period, dim))
		if err != nil {
			return nil, err
		}
		reported, err := e.store.GetCounter(ctx, reportedKey(subID, period, dim))
		if err != nil {
			return nil, err
		}

		delta := accrued - reported
		if delta <= 0 {
			continue
		}

		items = append(items, ReportItem{
			SubscriptionID: subID,
			Dimension:      dim,
			Quantity:       delta,
			Timestamp:      now,
			// The token names the exact counter window [reported, accrued),
			// making every retry of this window the same logical submission.
			Token: fmt.Sprintf("%s:%s:%s:%d-%d", subID, period, dim, reported, accrued),
		})
	}

	result := &FlushResult{Period: period}
	for batch := range chunked(items, e.cfg.MaxBatchSize) {
		if err := e.submitBatch(ctx, subID, period, batch, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// submitBatch delivers one batch with bounded retries. Ambiguous transport
// failures are resolved through Lookup per token before the batch is retried,
// so an accepted-but-unconfirmed item is never double-reported.
func (e *Engine) submitBatch(ctx context.Context, subID uuid.UUID, period string, batch []ReportItem, result *FlushResult) error {
	var lastErr error

	for attempt := 0; attempt <= e.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.backoff.NextInterval(attempt)):
			}

			batch = e.resolveAmbiguous(ctx, subID, period, batch, result)
			if len(batch) == 0 {
				return nil
			}
		}

		results, err := e.reporter.Submit(ctx, batch)
		if err != nil {
			lastErr = err
			e.log.WarnContext(ctx, "usage submission attempt failed",
				slog.String("subscription_id", subID.String()),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			continue
		}

		e.applyResults(ctx, subID, period, batch, results, result)
		return nil
	}

	result.Pending += len(batch)
	return errors.Join(ErrSubmissionFailed, lastErr)
}

// resolveAmbiguous checks whether any item of a failed batch actually landed
// on the remote side, applying outcomes for those that did and returning the
// items that still need submission.
func (e *Engine) resolveAmbiguous(ctx context.Context, subID uuid.UUID, period string, batch []ReportItem, result *FlushResult) []ReportItem {
	remaining := batch[:0]
	for _, item := range batch {
		res, err := e.reporter.Lookup(ctx, item.Token)
		if errors.Is(err, ErrSubmissionNotFound) {
			remaining = append(remaining, item)
			continue
		}
		if err != nil {
			// Lookup itself failed; resubmission stays safe because the
			// remote API is idempotent per token.
			remaining = append(remaining, item)
			continue
		}
		e.applyResults(ctx, subID, period, []ReportItem{item}, []ReportResult{*res}, result)
	}
	return remaining
}

// applyResults advances reported counters for accepted items. Rejections are
// final for this window: they are counted, logged and not retried here.
func (e *Engine) applyResults(ctx context.Context, subID uuid.UUID, period string, batch []ReportItem, results []ReportResult, result *FlushResult) {
	outcomes := make(map[string]ReportResult, len(results))
	for _, r := range results {
		outcomes[r.Token] = r
	}

	for _, item := range batch {
		res, ok := outcomes[item.Token]
		if !ok {
			result.Pending++
			continue
		}
		if !res.Accepted {
			result.Rejected++
			e.log.WarnContext(ctx, "usage item rejected by reporting API",
				slog.String("subscription_id", subID.String()),
				slog.String("dimension", string(item.Dimension)),
				slog.String("reason", res.Reason))
			continue
		}

		if _, err := e.store.Increment(ctx, reportedKey(subID, period, item.Dimension), item.Quantity); err != nil {
			// The remote accepted but the local marker failed; the next flush
			// re-submits the same window and the remote dedupes by token.
			e.log.ErrorContext(ctx, "failed to advance reported counter",
				slog.String("subscription_id", subID.String()),
				slog.String("dimension", string(item.Dimension)),
				slog.Any("error", err))
			result.Pending++
			continue
		}
		result.Accepted++
	}
}

// chunked yields size-bounded sub-slices of items.
func chunked(items []ReportItem, size int) func(func([]ReportItem) bool) {
	return func(yield func([]ReportItem) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}
