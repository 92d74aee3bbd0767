package plan_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/plan"
)

func standardPlan() plan.Plan {
	return plan.Plan{
		ID:          "standard",
		Name:        "Standard",
		ProductCode: "compliance-suite",
		Price:       plan.Money{Amount: 29900, Currency: "USD"},
		Allowances: map[plan.Dimension]int64{
			plan.DimensionScans: 500,
			plan.DimensionUsers: 10,
		},
		OverageRates: map[plan.Dimension]decimal.Decimal{
			plan.DimensionScans: decimal.RequireFromString("0.08"),
		},
		Features:         []plan.Feature{plan.FeatureAPI, plan.FeatureExport},
		GatingDimensions: []plan.Dimension{plan.DimensionUsers},
		Public:           true,
	}
}

func TestPlan_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*plan.Plan)
		wantErr bool
	}{
		{
			name:   "valid plan",
			mutate: func(p *plan.Plan) {},
		},
		{
			name:    "missing ID",
			mutate:  func(p *plan.Plan) { p.ID = "" },
			wantErr: true,
		},
		{
			name:    "missing product code",
			mutate:  func(p *plan.Plan) { p.ProductCode = "" },
			wantErr: true,
		},
		{
			name:    "missing currency",
			mutate:  func(p *plan.Plan) { p.Price.Currency = "" },
			wantErr: true,
		},
		{
			name:    "negative price",
			mutate:  func(p *plan.Plan) { p.Price.Amount = -1 },
			wantErr: true,
		},
		{
			name: "negative allowance",
			mutate: func(p *plan.Plan) {
				p.Allowances = map[plan.Dimension]int64{plan.DimensionScans: -5}
			},
			wantErr: true,
		},
		{
			name: "unlimited allowance is valid",
			mutate: func(p *plan.Plan) {
				p.Allowances[plan.DimensionScans] = plan.Unlimited
			},
		},
		{
			name: "overage rate for unknown dimension",
			mutate: func(p *plan.Plan) {
				p.OverageRates[plan.DimensionStorageGB] = decimal.RequireFromString("0.1")
			},
			wantErr: true,
		},
		{
			name: "gating dimension without allowance",
			mutate: func(p *plan.Plan) {
				p.GatingDimensions = []plan.Dimension{plan.DimensionStorageGB}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := standardPlan()
			tt.mutate(&p)

			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, plan.ErrInvalidPlanConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlan_Accessors(t *testing.T) {
	t.Parallel()

	p := standardPlan()

	allowance, ok := p.Allowance(plan.DimensionScans)
	assert.True(t, ok)
	assert.Equal(t, int64(500), allowance)

	_, ok = p.Allowance(plan.DimensionStorageGB)
	assert.False(t, ok)

	assert.True(t, p.OverageRate(plan.DimensionScans).Equal(decimal.RequireFromString("0.08")))
	assert.True(t, p.OverageRate(plan.DimensionUsers).IsZero())

	assert.True(t, p.HasFeature(plan.FeatureAPI))
	assert.False(t, p.HasFeature(plan.FeatureSSO))

	assert.True(t, p.IsGating(plan.DimensionUsers))
	assert.False(t, p.IsGating(plan.DimensionScans))
}

func TestPlan_CoversUsage(t *testing.T) {
	t.Parallel()

	p := standardPlan()

	assert.True(t, p.CoversUsage(map[plan.Dimension]int64{plan.DimensionScans: 500}))
	assert.False(t, p.CoversUsage(map[plan.Dimension]int64{plan.DimensionScans: 501}))
	assert.False(t, p.CoversUsage(map[plan.Dimension]int64{plan.DimensionStorageGB: 1}))

	p.Allowances[plan.DimensionScans] = plan.Unlimited
	assert.True(t, p.CoversUsage(map[plan.Dimension]int64{plan.DimensionScans: 1 << 40}))
}

func TestMoney_Decimal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "299", plan.Money{Amount: 29900, Currency: "USD"}.Decimal().String())
	assert.Equal(t, "299", plan.Money{Amount: 299, Currency: "JPY"}.Decimal().String())
	assert.Equal(t, "10.99", plan.Money{Amount: 1099, Currency: "EUR"}.Decimal().String())
}

func TestStaticSource_Load(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	plans, err := plan.StaticSource{standardPlan()}.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
	assert.Equal(t, "Standard", plans["standard"].Name)

	_, err = plan.StaticSource{standardPlan(), standardPlan()}.Load(ctx)
	assert.ErrorIs(t, err, plan.ErrInvalidPlanConfiguration)
}

func TestFileSource_Load(t *testing.T) {
	t.Parallel()

	catalog := `
plans:
  - id: basic
    name: Basic
    product_code: compliance-suite
    price:
      amount: 9900
      currency: USD
    allowances:
      scans: 100
      users: 3
    overage_rates:
      scans: "0.10"
    features:
      - api
    gating_dimensions:
      - users
    public: true
  - id: premium
    name: Premium
    product_code: compliance-suite
    price:
      amount: 59900
      currency: USD
    allowances:
      scans: -1
      users: 50
`

	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

	plans, err := plan.FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)

	basic := plans["basic"]
	assert.Equal(t, int64(9900), basic.Price.Amount)
	assert.True(t, basic.OverageRate(plan.DimensionScans).Equal(decimal.RequireFromString("0.10")))
	assert.True(t, basic.IsGating(plan.DimensionUsers))

	premium := plans["premium"]
	allowance, ok := premium.Allowance(plan.DimensionScans)
	assert.True(t, ok)
	assert.Equal(t, plan.Unlimited, allowance)
}

func TestFileSource_LoadErrors(t *testing.T) {
	t.Parallel()

	_, err := plan.FileSource{Path: "does-not-exist.yaml"}.Load(context.Background())
	assert.ErrorIs(t, err, plan.ErrFailedToLoadPlans)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: broken
    product_code: compliance-suite
    price: {amount: 100, currency: USD}
    allowances: {scans: 10}
    overage_rates:
      scans: "not-a-number"
`), 0o600))

	_, err = plan.FileSource{Path: path}.Load(context.Background())
	assert.ErrorIs(t, err, plan.ErrInvalidPlanConfiguration)
}
