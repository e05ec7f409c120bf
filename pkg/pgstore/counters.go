package pgstore

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/botmeter/pkg/pg"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// Counters implements subscription.CounterRepository on the usage_counters
// table. The row lock taken by UPDATE serializes concurrent increments, and
// the limit predicate is re-checked against the locked row.
type Counters struct {
	db DB
}

// IncrementWithin implements subscription.CounterRepository.
func (c *Counters) IncrementWithin(ctx context.Context, key subscription.CounterKey, amount, limitIfNew int64) (subscription.UsageCounter, bool, error) {
	if err := c.ensure(ctx, key, limitIfNew); err != nil {
		return subscription.UsageCounter{}, false, err
	}

	row := subscription.UsageCounter{Key: key}
	err := c.db.QueryRow(ctx, `UPDATE usage_counters
		SET used = used + $4, version = version + 1
		WHERE account_id = $1 AND metric = $2 AND period_start = $3
		  AND (limit_value = $5 OR used + $4 <= limit_value)
		RETURNING used, limit_value, version`,
		key.AccountID, string(key.Metric), key.PeriodStart.UTC(), amount, subscription.Unlimited).
		Scan(&row.Used, &row.Limit, &row.Version)
	if pg.IsNotFoundError(err) {
		// Over the limit: report the unchanged counter.
		current, err := c.Get(ctx, key)
		return current, false, err
	}
	if err != nil {
		return subscription.UsageCounter{}, false, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return row, true, nil
}

// Get implements subscription.CounterRepository.
func (c *Counters) Get(ctx context.Context, key subscription.CounterKey) (subscription.UsageCounter, error) {
	row := subscription.UsageCounter{Key: key}
	err := c.db.QueryRow(ctx, `SELECT used, limit_value, version FROM usage_counters
		WHERE account_id = $1 AND metric = $2 AND period_start = $3`,
		key.AccountID, string(key.Metric), key.PeriodStart.UTC()).
		Scan(&row.Used, &row.Limit, &row.Version)
	if pg.IsNotFoundError(err) {
		return subscription.UsageCounter{}, subscription.ErrCounterNotFound
	}
	if err != nil {
		return subscription.UsageCounter{}, fmt.Errorf("get counter %s: %w", key, err)
	}
	return row, nil
}

// Prepare implements subscription.CounterRepository.
func (c *Counters) Prepare(ctx context.Context, key subscription.CounterKey, limit int64) error {
	_, err := c.db.Exec(ctx, `INSERT INTO usage_counters (account_id, metric, period_start, used, limit_value)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (account_id, metric, period_start)
		DO UPDATE SET limit_value = EXCLUDED.limit_value WHERE usage_counters.used = 0`,
		key.AccountID, string(key.Metric), key.PeriodStart.UTC(), limit)
	if err != nil {
		return fmt.Errorf("prepare counter %s: %w", key, err)
	}
	return nil
}

// ensure creates the counter row with its limit snapshot when absent.
func (c *Counters) ensure(ctx context.Context, key subscription.CounterKey, limit int64) error {
	_, err := c.db.Exec(ctx, `INSERT INTO usage_counters (account_id, metric, period_start, used, limit_value)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (account_id, metric, period_start) DO NOTHING`,
		key.AccountID, string(key.Metric), key.PeriodStart.UTC(), limit)
	if err != nil {
		return fmt.Errorf("create counter %s: %w", key, err)
	}
	return nil
}
