package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

var auditColumns = []string{"id", "account_id", "version", "status", "plan_id", "provider", "event_id", "occurred_at"}

// Append implements subscription.AuditLog with a single insert. Wrap the
// repository in audit.AsyncWriter to batch rows through StoreBatch instead.
func (r *Repository) Append(ctx context.Context, entry subscription.AuditEntry) error {
	_, err := r.db.Exec(ctx, `INSERT INTO subscription_audit
		(id, account_id, version, status, plan_id, provider, event_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, auditRow(entry)...)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// StoreBatch writes entries with COPY. Used by audit.AsyncWriter.
func (r *Repository) StoreBatch(ctx context.Context, entries []subscription.AuditEntry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = auditRow(e)
	}
	if _, err := r.db.CopyFrom(ctx, pgx.Identifier{"subscription_audit"}, auditColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy %d audit entries: %w", len(entries), err)
	}
	return nil
}

// AuditTrail returns the version history of an account, oldest first.
func (r *Repository) AuditTrail(ctx context.Context, accountID uuid.UUID) ([]subscription.AuditEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT id, account_id, version, status, plan_id, provider, event_id, occurred_at
		FROM subscription_audit WHERE account_id = $1 ORDER BY version, occurred_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []subscription.AuditEntry
	for rows.Next() {
		var (
			e                subscription.AuditEntry
			status, provider string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Version, &status, &e.PlanID, &provider, &e.EventID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Status = subscription.Status(status)
		e.Provider = subscription.Provider(provider)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func auditRow(e subscription.AuditEntry) []any {
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return []any{id, e.AccountID, e.Version, string(e.Status), e.PlanID, string(e.Provider), e.EventID, e.OccurredAt.UTC()}
}
