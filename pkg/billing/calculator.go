package billing

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/billingkit/pkg/plan"
)

// LineItem is one overage charge within a billing summary.
type LineItem struct {
	Dimension plan.Dimension  `json:"dimension"`
	Used      int64           `json:"used"`
	Allowance int64           `json:"allowance"`
	Overage   int64           `json:"overage"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
}

// Summary is the computed charge for one subscription billing period.
type Summary struct {
	SubscriptionID string          `json:"subscription_id"`
	PlanID         string          `json:"plan_id"`
	Currency       string          `json:"currency"`
	PeriodEnd      time.Time       `json:"period_end"`
	BaseCharge     decimal.Decimal `json:"base_charge"`
	Total          decimal.Decimal `json:"total"`
	LineItems      []LineItem      `json:"line_items"`
}

// Calculate produces the billing summary for a subscription period.
//
// Base charge is the plan price. For each dimension, overage is
// max(0, used - allowance) billed at the plan's per-unit overage rate;
// unlimited allowances and dimensions without a rate bill nothing. The total
// is rounded to the currency's minor unit using round-half-up. Line items are
// ordered by dimension name so repeated runs produce identical summaries.
func Calculate(p plan.Plan, subscriptionID string, usage map[plan.Dimension]int64, periodEnd time.Time) Summary {
	exponent := plan.MinorUnitExponent(p.Price.Currency)
	base := p.Price.Decimal()
	total := base

	dims := make([]plan.Dimension, 0, len(usage))
	for dim := range usage {
		dims = append(dims, dim)
	}
	slices.Sort(dims)

	var items []LineItem
	for _, dim := range dims {
		used := usage[dim]

		allowance, ok := p.Allowance(dim)
		if !ok || allowance == plan.Unlimited {
			continue
		}

		overage := used - allowance
		if overage <= 0 {
			continue
		}

		rate := p.OverageRate(dim)
		if rate.IsZero() {
			continue
		}

		amount := rate.Mul(decimal.NewFromInt(overage)).Round(exponent)
		total = total.Add(amount)

		items = append(items, LineItem{
			Dimension: dim,
			Used:      used,
			Allowance: allowance,
			Overage:   overage,
			Rate:      rate,
			Amount:    amount,
		})
	}

	return Summary{
		SubscriptionID: subscriptionID,
		PlanID:         p.ID,
		Currency:       p.Price.Currency,
		PeriodEnd:      periodEnd,
		BaseCharge:     base,
		Total:          total.Round(exponent),
		LineItems:      items,
	}
}
