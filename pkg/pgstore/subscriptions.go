package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/botmeter/pkg/pg"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

const subscriptionColumns = `account_id, plan_id, status, provider, provider_customer_id,
	provider_subscription_id, period_start, period_end, trial_end, cancel_at_period_end,
	cancelled_at, last_event_at, last_invoice_at, version, created_at, updated_at`

// Get implements subscription.SubscriptionRepository.
func (r *Repository) Get(ctx context.Context, accountID uuid.UUID) (*subscription.Subscription, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`, accountID)
	sub, err := scanSubscription(row)
	if pg.IsNotFoundError(err) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", accountID, err)
	}
	return sub, nil
}

// FindByProviderRef implements subscription.SubscriptionRepository.
func (r *Repository) FindByProviderRef(ctx context.Context, provider subscription.Provider, subscriptionID string) (*subscription.Subscription, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider = $1 AND provider_subscription_id = $2
		ORDER BY updated_at DESC LIMIT 1`, string(provider), subscriptionID)
	sub, err := scanSubscription(row)
	if pg.IsNotFoundError(err) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription by %s ref: %w", provider, err)
	}
	return sub, nil
}

// CompareAndSwap implements subscription.SubscriptionRepository. The insert
// path relies on the primary key, the update path on the version guard.
func (r *Repository) CompareAndSwap(ctx context.Context, next *subscription.Subscription, expectedVersion int64) error {
	args := subscriptionArgs(next)

	var query string
	if expectedVersion == 0 {
		query = `INSERT INTO subscriptions (` + subscriptionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (account_id) DO NOTHING`
	} else {
		query = `UPDATE subscriptions SET
				plan_id = $2, status = $3, provider = $4, provider_customer_id = $5,
				provider_subscription_id = $6, period_start = $7, period_end = $8,
				trial_end = $9, cancel_at_period_end = $10, cancelled_at = $11,
				last_event_at = $12, last_invoice_at = $13, version = $14,
				created_at = $15, updated_at = $16
			WHERE account_id = $1 AND version = $17`
		args = append(args, expectedVersion)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		if pg.IsRetryable(err) {
			return errors.Join(subscription.ErrTransientFailure, err)
		}
		return fmt.Errorf("save subscription %s: %w", next.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrVersionConflict
	}
	return nil
}

// ListForReconciliation implements subscription.SubscriptionRepository.
func (r *Repository) ListForReconciliation(ctx context.Context, q subscription.ReconcileQuery) ([]*subscription.Subscription, error) {
	statuses := make([]string, len(q.AmbiguousStatuses))
	for i, s := range q.AmbiguousStatuses {
		statuses[i] = string(s)
	}
	var resyncBefore *time.Time
	if !q.ResyncBefore.IsZero() {
		resyncBefore = &q.ResyncBefore
	}
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}

	rows, err := r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider IS NOT NULL AND status <> $1
		  AND ((status = ANY($2) AND updated_at < $3)
		    OR (last_event_at = '{}'::jsonb AND last_invoice_at = '{}'::jsonb AND updated_at < $4)
		    OR ($5::timestamptz IS NOT NULL AND updated_at < $5))
		ORDER BY updated_at
		LIMIT $6`,
		string(subscription.StatusCancelled), statuses, q.StaleBefore, q.CheckoutBefore, resyncBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation candidates: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation candidate: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func subscriptionArgs(s *subscription.Subscription) []any {
	var provider, customerID, subscriptionID *string
	if ref := s.ProviderRef; ref != nil {
		p := string(ref.Provider)
		provider, customerID, subscriptionID = &p, &ref.CustomerID, &ref.SubscriptionID
	}
	return []any{
		s.AccountID, s.PlanID, string(s.Status), provider, customerID, subscriptionID,
		s.PeriodStart.UTC(), s.PeriodEnd.UTC(), s.TrialEnd, s.CancelAtPeriodEnd, s.CancelledAt,
		encodeMarks(s.LastEventAt), encodeMarks(s.LastInvoiceAt), s.Version, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	}
}

func encodeMarks(marks map[subscription.Provider]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(marks))
	for p, t := range marks {
		out[string(p)] = t.UTC()
	}
	return out
}

func decodeMarks(marks map[string]time.Time) map[subscription.Provider]time.Time {
	if len(marks) == 0 {
		return nil
	}
	out := make(map[subscription.Provider]time.Time, len(marks))
	for p, t := range marks {
		out[subscription.Provider(p)] = t.UTC()
	}
	return out
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		s                       subscription.Subscription
		status                  string
		provider, customer, ref *string
		lastEventAt, lastInvoice map[string]time.Time
	)
	if err := row.Scan(
		&s.AccountID, &s.PlanID, &status, &provider, &customer, &ref,
		&s.PeriodStart, &s.PeriodEnd, &s.TrialEnd, &s.CancelAtPeriodEnd, &s.CancelledAt,
		&lastEventAt, &lastInvoice, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = subscription.Status(status)

	if provider != nil {
		s.ProviderRef = &subscription.ProviderRef{
			Provider:       subscription.Provider(*provider),
			CustomerID:     deref(customer),
			SubscriptionID: deref(ref),
		}
	}

	s.PeriodStart, s.PeriodEnd = s.PeriodStart.UTC(), s.PeriodEnd.UTC()
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	s.TrialEnd = utcPtr(s.TrialEnd)
	s.CancelledAt = utcPtr(s.CancelledAt)
	s.LastEventAt = decodeMarks(lastEventAt)
	s.LastInvoiceAt = decodeMarks(lastInvoice)
	return &s, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
