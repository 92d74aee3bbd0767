package plan

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// Dimension is a named, independently billable usage axis.
type Dimension string

const (
	DimensionScans       Dimension = "scans"
	DimensionUsers       Dimension = "users"
	DimensionStorageGB   Dimension = "storage_gb"
	DimensionAPIRequests Dimension = "api_requests"
	DimensionReports     Dimension = "reports"
)

// Feature represents a plan-specific capability that can be enabled/disabled.
type Feature string

const (
	FeatureAPI             Feature = "api"
	FeatureSSO             Feature = "sso"
	FeatureScheduledScans  Feature = "scheduled_scans"
	FeatureCustomPolicies  Feature = "custom_policies"
	FeatureExport          Feature = "export"
	FeaturePrioritySupport Feature = "priority_support"
	FeatureAuditLog        Feature = "audit_log"
)

// Unlimited marks a dimension with no included-usage cap (-1 chosen for SQL
// compatibility, matching the convention used for resource limits elsewhere).
const Unlimited int64 = -1

// Money represents a monetary amount in the smallest currency unit.
// For example, $299.00 USD is Amount: 29900, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// minorUnitExponents maps ISO 4217 currencies to their minor-unit digits.
// Currencies missing from the map default to 2.
var minorUnitExponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
	"KWD": 3,
}

// MinorUnitExponent returns the number of minor-unit digits for a currency.
func MinorUnitExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[currency]; ok {
		return exp
	}
	return 2
}

// Decimal returns the amount as a decimal in major units (29900 USD -> 299.00).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -MinorUnitExponent(m.Currency))
}

// Plan is an immutable catalog entry describing one marketplace tier.
type Plan struct {
	ID          string
	Name        string
	Description string

	// ProductCode identifies the marketplace product this tier belongs to.
	// A customer may hold at most one live subscription per product code.
	ProductCode string

	Price Money

	// Allowances holds per-dimension included usage for one billing period.
	// Unlimited (-1) disables overage for the dimension entirely.
	Allowances map[Dimension]int64

	// OverageRates holds the per-unit price charged for usage beyond the
	// allowance, in the plan's currency.
	OverageRates map[Dimension]decimal.Decimal

	Features []Feature

	// GatingDimensions lists dimensions that deny access when exhausted
	// instead of accruing billable overage.
	GatingDimensions []Dimension

	// Public plans are available for self-service signup.
	Public bool
}

// Allowance returns the included usage for a dimension and whether the
// dimension is part of the plan at all.
func (p Plan) Allowance(dim Dimension) (int64, bool) {
	v, ok := p.Allowances[dim]
	return v, ok
}

// OverageRate returns the per-unit overage price for a dimension.
// Dimensions without a rate bill nothing beyond the allowance.
func (p Plan) OverageRate(dim Dimension) decimal.Decimal {
	return p.OverageRates[dim]
}

// HasFeature reports whether the plan enables the given feature.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// IsGating reports whether a dimension denies access when exhausted.
func (p Plan) IsGating(dim Dimension) bool {
	return slices.Contains(p.GatingDimensions, dim)
}

// Validate ensures the catalog entry is internally consistent. Catches
// configuration mistakes at load time rather than mid-billing-period.
func (p Plan) Validate() error {
	if p.ID == "" {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("plan ID is required"))
	}
	if p.ProductCode == "" {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("plan %s: product code is required", p.ID))
	}
	if p.Price.Currency == "" {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("plan %s: currency is required", p.ID))
	}
	if p.Price.Amount < 0 {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("plan %s: negative price", p.ID))
	}

	for dim, allowance := range p.Allowances {
		if allowance < 0 && allowance != Unlimited {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s: negative allowance for %s", p.ID, dim))
		}
	}

	for dim, rate := range p.OverageRates {
		if rate.IsNegative() {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s: negative overage rate for %s", p.ID, dim))
		}
		if _, ok := p.Allowances[dim]; !ok {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s: overage rate for unknown dimension %s", p.ID, dim))
		}
	}

	for _, dim := range p.GatingDimensions {
		if _, ok := p.Allowances[dim]; !ok {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s: gating dimension %s has no allowance", p.ID, dim))
		}
	}

	return nil
}

// CoversUsage reports whether the plan's allowances cover the given usage
// snapshot on every dimension. Used to guard downgrades: moving to a plan
// whose allowances are already exceeded mid-period would bill instant overage.
func (p Plan) CoversUsage(usage map[Dimension]int64) bool {
	for dim, used := range usage {
		allowance, ok := p.Allowances[dim]
		if !ok {
			return false
		}
		if allowance == Unlimited {
			continue
		}
		if used > allowance {
			return false
		}
	}
	return true
}
