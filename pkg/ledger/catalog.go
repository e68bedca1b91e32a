package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Catalog is the seed file describing the plans and credit packages on sale.
//
//	plans:
//	  - name: FREE
//	    price: 0
//	    currency: USD
//	    period: MONTHLY
//	    features: {projects: 1, teams: 1, proposals: 3, requests: 20, credits: 100}
//	packages:
//	  - name: Starter
//	    credits: 500
//	    bonus: 50
//	    price: 900
//	    validity_days: 90
type Catalog struct {
	Plans    []CatalogPlan    `yaml:"plans"`
	Packages []CatalogPackage `yaml:"packages"`
}

// CatalogPlan is a plan entry of the catalog file.
type CatalogPlan struct {
	Name           string        `yaml:"name"`
	Price          int64         `yaml:"price"`
	Currency       string        `yaml:"currency"`
	Period         BillingPeriod `yaml:"period"`
	TrialDays      int           `yaml:"trial_days"`
	ExternalPlanID string        `yaml:"external_plan_id"`
	Inactive       bool          `yaml:"inactive"`
	Features       Feature       `yaml:"features"`
}

// CatalogPackage is a credit package entry of the catalog file.
type CatalogPackage struct {
	Name         string   `yaml:"name"`
	Credits      int64    `yaml:"credits"`
	Bonus        int64    `yaml:"bonus"`
	Price        int64    `yaml:"price"`
	Currency     string   `yaml:"currency"`
	ValidityDays int      `yaml:"validity_days"`
	Features     *Feature `yaml:"features"`
	Inactive     bool     `yaml:"inactive"`
	SortOrder    int      `yaml:"sort_order"`
}

// LoadCatalog decodes and validates a YAML catalog. A FREE plan is required.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	names := make(map[string]struct{}, len(c.Plans))
	hasFree := false
	for _, p := range c.Plans {
		if p.Name == "" {
			return fmt.Errorf("%w: plan without name", ErrInvalidCatalog)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: duplicate plan %q", ErrInvalidCatalog, p.Name)
		}
		names[p.Name] = struct{}{}
		if p.Name == FreePlanName {
			hasFree = true
		}
		if p.Period != "" && p.Period != PeriodMonthly && p.Period != PeriodYearly {
			return fmt.Errorf("%w: plan %q has unknown period %q", ErrInvalidCatalog, p.Name, p.Period)
		}
	}
	if !hasFree {
		return fmt.Errorf("%w: %s plan is required", ErrInvalidCatalog, FreePlanName)
	}

	pkgs := make(map[string]struct{}, len(c.Packages))
	for _, p := range c.Packages {
		if p.Name == "" || p.Credits <= 0 {
			return fmt.Errorf("%w: package %q needs a name and positive credits", ErrInvalidCatalog, p.Name)
		}
		if _, dup := pkgs[p.Name]; dup {
			return fmt.Errorf("%w: duplicate package %q", ErrInvalidCatalog, p.Name)
		}
		pkgs[p.Name] = struct{}{}
	}
	return nil
}

// SeedCatalog upserts every plan and package by name in one transaction.
func SeedCatalog(ctx context.Context, store Store, c *Catalog) error {
	return store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, cp := range c.Plans {
			p := &Plan{
				Name:           cp.Name,
				Price:          cp.Price,
				Currency:       defaultString(cp.Currency, "USD"),
				Period:         BillingPeriod(defaultString(string(cp.Period), string(PeriodMonthly))),
				TrialDays:      cp.TrialDays,
				Active:         !cp.Inactive,
				ExternalPlanID: cp.ExternalPlanID,
				Feature:        cp.Features,
			}
			if existing, err := tx.GetPlanByName(ctx, cp.Name); err == nil {
				p.ID, p.CreatedAt = existing.ID, existing.CreatedAt
			}
			if err := tx.UpsertPlan(ctx, p); err != nil {
				return fmt.Errorf("seed plan %q: %w", cp.Name, err)
			}
		}
		for _, cp := range c.Packages {
			p := &CreditPackage{
				Name:         cp.Name,
				CreditAmount: cp.Credits,
				BonusCredits: cp.Bonus,
				Price:        cp.Price,
				Currency:     defaultString(cp.Currency, "USD"),
				ValidityDays: cp.ValidityDays,
				Features:     cp.Features,
				Active:       !cp.Inactive,
				SortOrder:    cp.SortOrder,
			}
			if err := tx.UpsertPackage(ctx, p); err != nil {
				return fmt.Errorf("seed package %q: %w", cp.Name, err)
			}
		}
		return nil
	})
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
