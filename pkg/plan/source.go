package plan

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Source defines how the plan catalog is loaded into the engine.
type Source interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// StaticSource serves a catalog defined in code. Useful for tests and for
// deployments where the catalog ships with the binary.
type StaticSource []Plan

func (s StaticSource) Load(_ context.Context) (map[string]Plan, error) {
	plans := make(map[string]Plan, len(s))
	for _, p := range s {
		if _, exists := plans[p.ID]; exists {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("duplicate plan ID %s", p.ID))
		}
		plans[p.ID] = p
	}
	if err := ValidateCatalog(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// filePlan is the YAML shape of a catalog entry. Overage rates are strings in
// the file ("0.08") and parsed into decimals on load, since yaml.v3 has no
// native decimal support.
type filePlan struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	ProductCode      string            `yaml:"product_code"`
	Price            Money             `yaml:"price"`
	Allowances       map[string]int64  `yaml:"allowances"`
	OverageRates     map[string]string `yaml:"overage_rates"`
	Features         []string          `yaml:"features"`
	GatingDimensions []string          `yaml:"gating_dimensions"`
	Public           bool              `yaml:"public"`
}

type fileCatalog struct {
	Plans []filePlan `yaml:"plans"`
}

// FileSource loads the catalog from a YAML file.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var catalog fileCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	plans := make(map[string]Plan, len(catalog.Plans))
	for _, fp := range catalog.Plans {
		p := Plan{
			ID:          fp.ID,
			Name:        fp.Name,
			Description: fp.Description,
			ProductCode: fp.ProductCode,
			Price:       fp.Price,
			Public:      fp.Public,
		}

		if len(fp.Allowances) > 0 {
			p.Allowances = make(map[Dimension]int64, len(fp.Allowances))
			for dim, allowance := range fp.Allowances {
				p.Allowances[Dimension(dim)] = allowance
			}
		}

		if len(fp.OverageRates) > 0 {
			p.OverageRates = make(map[Dimension]decimal.Decimal, len(fp.OverageRates))
			for dim, rate := range fp.OverageRates {
				d, err := decimal.NewFromString(rate)
				if err != nil {
					return nil, errors.Join(ErrInvalidPlanConfiguration,
						fmt.Errorf("plan %s: invalid overage rate %q for %s", fp.ID, rate, dim))
				}
				p.OverageRates[Dimension(dim)] = d
			}
		}

		for _, f := range fp.Features {
			p.Features = append(p.Features, Feature(f))
		}
		for _, dim := range fp.GatingDimensions {
			p.GatingDimensions = append(p.GatingDimensions, Dimension(dim))
		}

		if _, exists := plans[p.ID]; exists {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("duplicate plan ID %s", p.ID))
		}
		plans[p.ID] = p
	}

	if err := ValidateCatalog(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// ValidateCatalog validates every entry and the map-key/ID agreement.
func ValidateCatalog(plans map[string]Plan) error {
	for id, p := range plans {
		if p.ID != id {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", id, p.ID))
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
