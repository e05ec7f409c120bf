package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// Checkouts implements subscription.CheckoutRepository.
type Checkouts struct {
	db DB
}

func (c *Checkouts) Create(ctx context.Context, a subscription.CheckoutAttempt) error {
	_, err := c.db.Exec(ctx, `INSERT INTO checkout_attempts
		(id, account_id, provider, plan_id, session_id, status, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.AccountID, string(a.Provider), a.PlanID, a.SessionID, string(a.Status), a.CreatedAt.UTC(), a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create checkout attempt: %w", err)
	}
	return nil
}

func (c *Checkouts) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]subscription.CheckoutAttempt, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := c.db.Query(ctx, `SELECT id, account_id, provider, plan_id, session_id, status, created_at, resolved_at
		FROM checkout_attempts
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(subscription.CheckoutPending), createdBefore.UTC(), lim)
	if err != nil {
		return nil, fmt.Errorf("list pending checkouts: %w", err)
	}
	defer rows.Close()

	var out []subscription.CheckoutAttempt
	for rows.Next() {
		var (
			a                subscription.CheckoutAttempt
			provider, status string
		)
		if err := rows.Scan(&a.ID, &a.AccountID, &provider, &a.PlanID, &a.SessionID, &status, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan checkout attempt: %w", err)
		}
		a.Provider = subscription.Provider(provider)
		a.Status = subscription.CheckoutStatus(status)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Resolve marks the attempt completed or expired. Unknown ids are ignored.
func (c *Checkouts) Resolve(ctx context.Context, id uuid.UUID, status subscription.CheckoutStatus, at time.Time) error {
	_, err := c.db.Exec(ctx, `UPDATE checkout_attempts SET status = $2, resolved_at = $3 WHERE id = $1`,
		id, string(status), at.UTC())
	if err != nil {
		return fmt.Errorf("resolve checkout attempt %s: %w", id, err)
	}
	return nil
}
