package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/botmeter/pkg/logger"
)

// ResourceKind names a quota-bound user action.
type ResourceKind string

const (
	KindConversation ResourceKind = "conversation"
	KindWebsite      ResourceKind = "website"
	KindChatbot      ResourceKind = "chatbot"
)

// Metric returns the plan metric the action is limited by.
func (k ResourceKind) Metric() (Metric, bool) {
	switch k {
	case KindConversation:
		return MetricConversations, true
	case KindWebsite:
		return MetricWebsites, true
	case KindChatbot:
		return MetricChatbots, true
	}
	return "", false
}

// ResourceCounter counts live cardinality resources (websites, chatbots).
// The gate only reads through it.
type ResourceCounter interface {
	Count(ctx context.Context, accountID uuid.UUID, metric Metric) (int64, error)
}

// ResourceCounterFunc counts one resource for an account.
// Must be fast as it's called on every creation attempt.
type ResourceCounterFunc func(ctx context.Context, accountID uuid.UUID) (int64, error)

// Decision is the result of a gate check.
type Decision struct {
	Allowed bool
	Kind    ResourceKind
	Metric  Metric
	Reason  string // one of the Deny* constants when denied
	Used    int64
	Limit   int64
}

// Err returns nil for an allowed decision and a *QuotaExceededError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &QuotaExceededError{Metric: d.Metric, Reason: d.Reason, Used: d.Used, Limit: d.Limit}
}

// UsageInfo is the usage of one metric shown on the dashboard.
type UsageInfo struct {
	Used       int64 `json:"used"`
	Limit      int64 `json:"limit"`
	Percentage int   `json:"percentage"`
}

// UsageReport summarizes an account's billing state and usage.
type UsageReport struct {
	AccountID          uuid.UUID            `json:"account_id"`
	PlanID             string               `json:"plan_id"`
	Status             Status               `json:"status"`
	PeriodStart        time.Time            `json:"period_start"`
	PeriodEnd          time.Time            `json:"period_end"`
	TrialDaysRemaining int                  `json:"trial_days_remaining"`
	Usage              map[Metric]UsageInfo `json:"usage"`
}

// Gate decides whether a quota-bound action may proceed. It holds no state
// of its own beyond configuration.
type Gate struct {
	store    *Store
	catalog  *Catalog
	meter    *Meter
	resource ResourceCounter
	counters map[Metric]ResourceCounterFunc
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewGate composes the limit gate.
// Panics if a required dependency is nil to fail fast during initialization.
func NewGate(store *Store, catalog *Catalog, meter *Meter, opts ...GateOption) *Gate {
	if store == nil || catalog == nil || meter == nil {
		panic("subscription: Store, Catalog and Meter are required")
	}
	g := &Gate{
		store:    store,
		catalog:  catalog,
		meter:    meter,
		counters: make(map[Metric]ResourceCounterFunc),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether the account may perform one action of kind.
// Allowed conversations are counted. A denial is returned as a Decision,
// not as an error; errors mean the decision could not be made.
func (g *Gate) Check(ctx context.Context, accountID uuid.UUID, kind ResourceKind) (Decision, error) {
	metric, ok := kind.Metric()
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown resource kind %q", ErrInvalidMetric, kind)
	}

	d, err := g.check(ctx, accountID, kind, metric)
	if err != nil {
		return Decision{}, err
	}
	g.metrics.gate(kind, d)
	if !d.Allowed {
		g.logger.LogAttrs(ctx, slog.LevelDebug, "quota-bound action denied",
			logger.AccountID(accountID),
			logger.Metric(metric),
			slog.String("reason", d.Reason))
	}
	return d, nil
}

// CanProceed is Check reduced to a boolean.
func (g *Gate) CanProceed(ctx context.Context, accountID uuid.UUID, kind ResourceKind) (bool, error) {
	d, err := g.Check(ctx, accountID, kind)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

func (g *Gate) check(ctx context.Context, accountID uuid.UUID, kind ResourceKind, metric Metric) (Decision, error) {
	sub, err := g.store.EnsureTrial(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Kind: kind, Metric: metric}
	switch {
	case sub.IsCancelled():
		d.Reason = DenyCancelled
		return d, nil
	case !sub.Status.grantsAccess():
		d.Reason = DenyUnpaid
		return d, nil
	case sub.IsTrialExpiredAt(g.now()):
		d.Reason = DenyTrialExpired
		return d, nil
	}

	plan, err := g.catalog.Get(sub.PlanID)
	if err != nil {
		return Decision{}, err
	}

	if metric.Consumable() {
		usage, err := g.meter.consume(ctx, sub, plan, metric, 1)
		if err != nil {
			return Decision{}, err
		}
		d.Allowed, d.Used, d.Limit = usage.Allowed, usage.Used, usage.Limit
		if !d.Allowed {
			d.Reason = DenyQuota
		}
		return d, nil
	}

	d.Limit = plan.Limit(metric)
	if d.Limit == Unlimited {
		d.Allowed = true
		return d, nil
	}
	current, err := g.count(ctx, accountID, metric)
	if err != nil {
		return Decision{}, err
	}
	d.Used = current
	d.Allowed = current < d.Limit
	if !d.Allowed {
		d.Reason = DenyQuota
	}
	return d, nil
}

func (g *Gate) count(ctx context.Context, accountID uuid.UUID, metric Metric) (int64, error) {
	var (
		n   int64
		err error
	)
	switch fn, ok := g.counters[metric]; {
	case ok:
		n, err = fn(ctx, accountID)
	case g.resource != nil:
		n, err = g.resource.Count(ctx, accountID, metric)
	default:
		return 0, fmt.Errorf("%w: %s", ErrNoResourceCounter, metric)
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", metric, err)
	}
	return n, nil
}

// HasFeature checks if a feature is available on the account's current plan.
// Returns false on any error to fail closed for security-sensitive features.
func (g *Gate) HasFeature(ctx context.Context, accountID uuid.UUID, feature Feature) bool {
	sub, err := g.store.Get(ctx, accountID)
	var plan Plan
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		plan = g.catalog.TrialPlan()
	case err != nil:
		return false
	default:
		if sub.IsCancelled() {
			return false
		}
		if plan, err = g.catalog.Get(sub.PlanID); err != nil {
			return false
		}
	}
	return plan.HasFeature(feature)
}

// Usage reports the account's status and per-metric usage without consuming
// anything. Accounts without a record are reported on the trial plan.
func (g *Gate) Usage(ctx context.Context, accountID uuid.UUID) (*UsageReport, error) {
	sub, err := g.store.Get(ctx, accountID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		plan := g.catalog.TrialPlan()
		start, end := CurrentPeriod(nil, g.now())
		report := &UsageReport{
			AccountID:          accountID,
			PlanID:             plan.ID,
			Status:             StatusTrialing,
			PeriodStart:        start,
			PeriodEnd:          end,
			TrialDaysRemaining: plan.TrialDays,
			Usage:              make(map[Metric]UsageInfo, len(AllMetrics())),
		}
		for _, m := range AllMetrics() {
			info := UsageInfo{Limit: plan.Limit(m)}
			if !m.Consumable() {
				if n, err := g.count(ctx, accountID, m); err == nil {
					info.Used = n
				}
			}
			info.Percentage = Usage{Used: info.Used, Limit: info.Limit}.Percentage()
			report.Usage[m] = info
		}
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	plan, err := g.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}

	now := g.now()
	start, end := CurrentPeriod(sub, now)
	report := &UsageReport{
		AccountID:          accountID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		PeriodStart:        start,
		PeriodEnd:          end,
		TrialDaysRemaining: sub.TrialDaysRemainingAt(now),
		Usage:              make(map[Metric]UsageInfo, len(AllMetrics())),
	}

	for _, m := range AllMetrics() {
		var u Usage
		if m.Consumable() {
			if u, err = g.meter.Current(ctx, accountID, m); err != nil {
				return nil, err
			}
		} else {
			u.Limit = plan.Limit(m)
			n, err := g.count(ctx, accountID, m)
			if err != nil && !errors.Is(err, ErrNoResourceCounter) {
				return nil, err
			}
			u.Used = n
		}
		report.Usage[m] = UsageInfo{Used: u.Used, Limit: u.Limit, Percentage: u.Percentage()}
	}
	return report, nil
}

// CanDowngrade checks whether the account's current usage fits into the
// target plan. Only limits that shrink are checked.
func (g *Gate) CanDowngrade(ctx context.Context, accountID uuid.UUID, targetPlanID string) error {
	target, err := g.catalog.Get(targetPlanID)
	if err != nil {
		return err
	}

	current := g.catalog.TrialPlan()
	sub, err := g.store.Get(ctx, accountID)
	switch {
	case err == nil:
		if current, err = g.catalog.Get(sub.PlanID); err != nil {
			return err
		}
	case !errors.Is(err, ErrSubscriptionNotFound):
		return err
	}

	cmp := ComparePlans(current, target)
	for metric, change := range cmp.DecreasedLimits {
		var used int64
		if metric.Consumable() {
			u, err := g.meter.Current(ctx, accountID, metric)
			if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
				return err
			}
			used = u.Used
		} else {
			n, err := g.count(ctx, accountID, metric)
			if errors.Is(err, ErrNoResourceCounter) {
				continue
			}
			if err != nil {
				return err
			}
			used = n
		}
		if used > change.To {
			return errors.Join(ErrDowngradeNotPossible,
				fmt.Errorf("%s usage %d exceeds target limit %d", metric, used, change.To))
		}
	}
	return nil
}
