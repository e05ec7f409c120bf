package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// ResourceCounts counts live websites and chatbots in the platform tables
// the billing core shares a database with. Each table must have an
// account_id column. The gate only reads through it.
type ResourceCounts struct {
	db      DB
	queries map[subscription.Metric]string
}

// NewResourceCounts maps each cardinality metric to the table holding its
// rows. A table name may be schema-qualified ("platform.websites").
func NewResourceCounts(db DB, tables map[subscription.Metric]string) (*ResourceCounts, error) {
	if db == nil {
		panic("pgstore: db is required")
	}
	rc := &ResourceCounts{db: db, queries: make(map[subscription.Metric]string, len(tables))}
	for metric, table := range tables {
		if !metric.Valid() || metric.Consumable() {
			return nil, fmt.Errorf("%w: %s is not a countable resource", subscription.ErrInvalidMetric, metric)
		}
		if table == "" {
			continue
		}
		ident := pgx.Identifier(strings.Split(table, "."))
		rc.queries[metric] = "SELECT count(*) FROM " + ident.Sanitize() + " WHERE account_id = $1"
	}
	return rc, nil
}

// Count implements subscription.ResourceCounter.
func (rc *ResourceCounts) Count(ctx context.Context, accountID uuid.UUID, metric subscription.Metric) (int64, error) {
	q, ok := rc.queries[metric]
	if !ok {
		return 0, fmt.Errorf("%w: %s", subscription.ErrNoResourceCounter, metric)
	}
	var n int64
	if err := rc.db.QueryRow(ctx, q, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", metric, err)
	}
	return n, nil
}

var _ subscription.ResourceCounter = (*ResourceCounts)(nil)
