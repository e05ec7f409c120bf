package subscription

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// Plan describes a subscription plan and its quota/feature constraints.
// Plans are loaded once at startup and never mutated afterwards.
type Plan struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Limits      map[Metric]int64    `yaml:"limits"` // -1 represents unlimited
	Features    []Feature           `yaml:"features"`
	Public      bool                `yaml:"public"` // available for self-service signup
	TrialDays   int                 `yaml:"trial_days"`
	Price       Money               `yaml:"price"`
	Interval    BillingInterval     `yaml:"interval"`
	PriceIDs    map[Provider]string `yaml:"price_ids"` // provider price id used at checkout
}

// Limit returns the plan limit for a metric.
// A metric missing from the plan is treated as not allowed (0).
func (p Plan) Limit(m Metric) int64 {
	limit, ok := p.Limits[m]
	if !ok {
		return 0
	}
	return limit
}

// HasFeature reports whether the plan enables the feature.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// PriceID returns the provider price identifier for this plan.
func (p Plan) PriceID(provider Provider) (string, bool) {
	id, ok := p.PriceIDs[provider]
	return id, ok && id != ""
}

// TrialEndsAt calculates when the trial period ends.
// Returns startedAt unchanged if no trial is available.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

func (p Plan) clone() Plan {
	c := p
	c.Limits = maps.Clone(p.Limits)
	c.Features = slices.Clone(p.Features)
	c.PriceIDs = maps.Clone(p.PriceIDs)
	return c
}

// PlansSource defines how plans are loaded into the catalog.
type PlansSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// Catalog is the static table of plans. Lookups are read-only, so a Catalog
// is safe for concurrent use once built.
type Catalog struct {
	plans       map[string]Plan
	trialPlanID string
}

// NewCatalog loads and validates plans from src.
// trialPlanID names the plan assigned to implicit trial subscriptions.
func NewCatalog(ctx context.Context, src PlansSource, trialPlanID string) (*Catalog, error) {
	if src == nil {
		panic("subscription: PlansSource is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if len(plans) == 0 {
		return nil, errors.Join(ErrInvalidPlanConfiguration, errors.New("no plans configured"))
	}
	if err := validatePlans(plans); err != nil {
		return nil, err
	}
	if _, ok := plans[trialPlanID]; !ok {
		return nil, errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("trial plan %q is not in the catalog", trialPlanID))
	}

	copied := make(map[string]Plan, len(plans))
	for id, plan := range plans {
		copied[id] = plan.clone()
	}

	return &Catalog{plans: copied, trialPlanID: trialPlanID}, nil
}

// Get returns the plan with the given id.
func (c *Catalog) Get(planID string) (Plan, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return plan.clone(), nil
}

// TrialPlan returns the plan used for implicit trials.
func (c *Catalog) TrialPlan() Plan {
	return c.plans[c.trialPlanID].clone()
}

// ByPriceID resolves a provider price id back to a plan.
func (c *Catalog) ByPriceID(provider Provider, priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, plan := range c.plans {
		if id, ok := plan.PriceID(provider); ok && id == priceID {
			return plan.clone(), true
		}
	}
	return Plan{}, false
}

// Resolve accepts either a plan id or a provider price id.
func (c *Catalog) Resolve(provider Provider, id string) (Plan, bool) {
	if plan, ok := c.plans[id]; ok {
		return plan.clone(), true
	}
	return c.ByPriceID(provider, id)
}

// Plans returns all plans sorted by id.
func (c *Catalog) Plans() []Plan {
	ids := slices.Collect(maps.Keys(c.plans))
	sort.Strings(ids)
	out := make([]Plan, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.plans[id].clone())
	}
	return out
}

// PlanComparison contains the differences between two plans.
// Used to validate downgrades and communicate changes to users.
type PlanComparison struct {
	NewFeatures     []Feature
	LostFeatures    []Feature
	IncreasedLimits map[Metric]LimitChange
	DecreasedLimits map[Metric]LimitChange
}

// LimitChange represents a change in a metric limit.
type LimitChange struct {
	From int64
	To   int64
}

// HasDecreases returns true if any limit is lowered.
func (c *PlanComparison) HasDecreases() bool {
	return len(c.DecreasedLimits) > 0
}

// ComparePlans returns the differences between current and target plans.
func ComparePlans(current, target Plan) *PlanComparison {
	comparison := &PlanComparison{
		NewFeatures:     make([]Feature, 0),
		LostFeatures:    make([]Feature, 0),
		IncreasedLimits: make(map[Metric]LimitChange),
		DecreasedLimits: make(map[Metric]LimitChange),
	}

	for _, feature := range target.Features {
		if !slices.Contains(current.Features, feature) {
			comparison.NewFeatures = append(comparison.NewFeatures, feature)
		}
	}
	for _, feature := range current.Features {
		if !slices.Contains(target.Features, feature) {
			comparison.LostFeatures = append(comparison.LostFeatures, feature)
		}
	}

	for _, metric := range AllMetrics() {
		from, to := current.Limit(metric), target.Limit(metric)
		if from == to {
			continue
		}
		change := LimitChange{From: from, To: to}
		switch {
		// Unlimited-to-limited counts as a decrease to prevent accidental loss of unlimited access
		case from == Unlimited:
			comparison.DecreasedLimits[metric] = change
		case to == Unlimited, to > from:
			comparison.IncreasedLimits[metric] = change
		default:
			comparison.DecreasedLimits[metric] = change
		}
	}

	return comparison
}

// validatePlans ensures plan configurations are internally consistent.
func validatePlans(plans map[string]Plan) error {
	for planID, plan := range plans {
		if plan.ID != planID {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", planID, plan.ID))
		}
		if plan.TrialDays < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", planID, plan.TrialDays))
		}
		for metric, limit := range plan.Limits {
			if !metric.Valid() {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has unknown metric %q", planID, metric))
			}
			if limit < Unlimited {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has invalid %s limit: %d", planID, metric, limit))
			}
		}
		for provider := range plan.PriceIDs {
			if !provider.Valid() {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has price id for unknown provider %q", planID, provider))
			}
		}
	}
	return nil
}
