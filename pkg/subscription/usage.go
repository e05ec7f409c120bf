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

// CounterKey identifies one usage counter row.
type CounterKey struct {
	AccountID   uuid.UUID
	Metric      Metric
	PeriodStart time.Time
}

func (k CounterKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.AccountID, k.Metric, k.PeriodStart.UTC().Unix())
}

// UsageCounter holds the usage of one metric within one billing period.
// Limit is a snapshot of the plan limit taken when the counter was created.
type UsageCounter struct {
	Key     CounterKey
	Used    int64
	Limit   int64
	Version int64
}

// CounterRepository is the storage contract for usage counters.
// Implementations must make IncrementWithin a single atomic operation.
type CounterRepository interface {
	// IncrementWithin adds amount when used+amount <= limit, or always when
	// the stored limit is Unlimited. The counter is created with limitIfNew
	// when absent; an existing counter keeps its limit.
	// It returns the counter after the operation and whether the add happened.
	IncrementWithin(ctx context.Context, key CounterKey, amount, limitIfNew int64) (UsageCounter, bool, error)

	// Get returns the counter or ErrCounterNotFound.
	Get(ctx context.Context, key CounterKey) (UsageCounter, error)

	// Prepare creates the counter with limit, or replaces the limit of a
	// counter that has no usage yet. Counters with usage are left untouched.
	Prepare(ctx context.Context, key CounterKey, limit int64) error
}

// Usage is the result of a metering decision.
type Usage struct {
	Allowed     bool
	Used        int64
	Limit       int64
	PeriodStart time.Time
}

// Remaining returns how many units are left, or Unlimited.
func (u Usage) Remaining() int64 {
	if u.Limit == Unlimited {
		return Unlimited
	}
	return max(u.Limit-u.Used, 0)
}

// Percentage returns usage as percentage (0-100, or -1 for unlimited).
func (u Usage) Percentage() int {
	if u.Limit == Unlimited {
		return -1
	}
	if u.Limit == 0 {
		return 100
	}
	return min(int((u.Used*100)/u.Limit), 100)
}

// Meter owns usage counters. Counter rows are only ever touched through it.
type Meter struct {
	counters CounterRepository
	store    *Store
	catalog  *Catalog
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithMeterNotifier sets the notifier used for usage threshold alerts.
func WithMeterNotifier(n Notifier) MeterOption {
	return func(m *Meter) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithMeterLogger sets the meter logger.
func WithMeterLogger(l *slog.Logger) MeterOption {
	return func(m *Meter) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMeterClock overrides the time source. Intended for tests.
func WithMeterClock(now func() time.Time) MeterOption {
	return func(m *Meter) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMeter creates a usage meter.
func NewMeter(counters CounterRepository, store *Store, catalog *Catalog, opts ...MeterOption) *Meter {
	if counters == nil {
		panic("subscription: CounterRepository is required")
	}
	if store == nil || catalog == nil {
		panic("subscription: Store and Catalog are required")
	}
	m := &Meter{
		counters: counters,
		store:    store,
		catalog:  catalog,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndIncrement consumes amount units of metric for the account in its
// current billing period. The check and the increment are one atomic step in
// the counter repository, so concurrent callers can never jointly exceed the limit.
func (m *Meter) CheckAndIncrement(ctx context.Context, accountID uuid.UUID, metric Metric, amount int64) (Usage, error) {
	if !metric.Consumable() {
		return Usage{}, fmt.Errorf("%w: %s is not metered", ErrInvalidMetric, metric)
	}
	if amount <= 0 {
		return Usage{}, ErrInvalidAmount
	}

	sub, err := m.store.Get(ctx, accountID)
	if err != nil {
		return Usage{}, err
	}
	plan, err := m.catalog.Get(sub.PlanID)
	if err != nil {
		return Usage{}, err
	}
	return m.consume(ctx, sub, plan, metric, amount)
}

func (m *Meter) consume(ctx context.Context, sub *Subscription, plan Plan, metric Metric, amount int64) (Usage, error) {
	start, _ := CurrentPeriod(sub, m.now())
	key := CounterKey{AccountID: sub.AccountID, Metric: metric, PeriodStart: start}
	limit := plan.Limit(metric)

	// The counter's own limit snapshot decides; the plan limit only seeds a
	// new counter. An untouched counter adopts a raised plan limit at once.
	counter, ok, err := m.counters.IncrementWithin(ctx, key, amount, limit)
	if err == nil && !ok && counter.Used == 0 && raisesLimit(counter.Limit, limit) {
		if err = m.counters.Prepare(ctx, key, limit); err == nil {
			counter, ok, err = m.counters.IncrementWithin(ctx, key, amount, limit)
		}
	}
	if err != nil {
		return Usage{}, fmt.Errorf("increment usage counter %s: %w", key, err)
	}

	usage := Usage{Allowed: ok, Used: counter.Used, Limit: counter.Limit, PeriodStart: start}
	if ok {
		m.notifyThreshold(ctx, sub.AccountID, metric, usage, amount)
	}
	return usage, nil
}

func raisesLimit(from, to int64) bool {
	return from != Unlimited && (to == Unlimited || to > from)
}

// Current returns the usage of metric in the account's current period
// without consuming anything.
func (m *Meter) Current(ctx context.Context, accountID uuid.UUID, metric Metric) (Usage, error) {
	sub, err := m.store.Get(ctx, accountID)
	if err != nil {
		return Usage{}, err
	}
	plan, err := m.catalog.Get(sub.PlanID)
	if err != nil {
		return Usage{}, err
	}

	start, _ := CurrentPeriod(sub, m.now())
	key := CounterKey{AccountID: accountID, Metric: metric, PeriodStart: start}
	counter, err := m.counters.Get(ctx, key)
	if errors.Is(err, ErrCounterNotFound) {
		return Usage{Allowed: true, Limit: plan.Limit(metric), PeriodStart: start}, nil
	}
	if err != nil {
		return Usage{}, err
	}
	allowed := counter.Limit == Unlimited || counter.Used < counter.Limit
	return Usage{Allowed: allowed, Used: counter.Used, Limit: counter.Limit, PeriodStart: start}, nil
}

// Schedule snapshots plan limits into the counters of the period starting at
// periodStart. In-flight counters that already carry usage keep their limit.
func (m *Meter) Schedule(ctx context.Context, accountID uuid.UUID, periodStart time.Time, plan Plan) error {
	var errs []error
	for _, metric := range AllMetrics() {
		if !metric.Consumable() {
			continue
		}
		key := CounterKey{AccountID: accountID, Metric: metric, PeriodStart: periodStart.UTC()}
		if err := m.counters.Prepare(ctx, key, plan.Limit(metric)); err != nil {
			errs = append(errs, fmt.Errorf("prepare counter %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// notifyThreshold fires once when a call crosses 80% or 100% of the limit.
func (m *Meter) notifyThreshold(ctx context.Context, accountID uuid.UUID, metric Metric, u Usage, amount int64) {
	if u.Limit == Unlimited || u.Limit == 0 {
		return
	}
	before := u.Used - amount
	for _, pct := range []int64{100, 80} {
		threshold := (u.Limit*pct + 99) / 100
		if before < threshold && u.Used >= threshold {
			if err := m.notifier.UsageThreshold(ctx, UsageAlert{
				AccountID: accountID,
				Metric:    metric,
				Percent:   int(pct),
				Used:      u.Used,
				Limit:     u.Limit,
			}); err != nil {
				m.logger.LogAttrs(ctx, slog.LevelWarn, "usage threshold notification failed",
					logger.AccountID(accountID),
					logger.Metric(metric),
					logger.Error(err))
			}
			return
		}
	}
}

// CurrentPeriod returns the monthly usage window containing now. Windows are
// whole months anchored at the subscription period start, so an annual period
// holds twelve of them and the last one ends with the period. Past a period
// the provider has not renewed yet, windows roll on from its end. Without
// bounds the UTC calendar month is used.
func CurrentPeriod(sub *Subscription, now time.Time) (start, end time.Time) {
	now = now.UTC()
	if sub == nil || sub.PeriodStart.IsZero() {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}

	anchor := sub.PeriodStart.UTC()
	bound := sub.PeriodEnd.UTC()
	if !bound.After(anchor) {
		bound = time.Time{}
	}
	if !bound.IsZero() && !now.Before(bound) {
		anchor, bound = bound, time.Time{}
	}

	months := 0
	for !now.Before(anchor.AddDate(0, months+1, 0)) {
		months++
	}
	start = anchor.AddDate(0, months, 0)
	end = anchor.AddDate(0, months+1, 0)
	if !bound.IsZero() && bound.Before(end) {
		end = bound
	}
	return start, end
}
