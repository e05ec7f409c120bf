package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/botmeter/pkg/pg"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// Lookup implements subscription.EventLedger.
func (r *Repository) Lookup(ctx context.Context, provider subscription.Provider, eventID string) (subscription.AppliedEvent, bool, error) {
	var (
		ev        subscription.AppliedEvent
		accountID *uuid.UUID
		typ       string
	)
	err := r.db.QueryRow(ctx, `SELECT account_id, event_type, applied, reason, payload_hash, applied_at
		FROM applied_events WHERE provider = $1 AND event_id = $2`, string(provider), eventID).
		Scan(&accountID, &typ, &ev.Applied, &ev.Reason, &ev.Hash, &ev.AppliedAt)
	if pg.IsNotFoundError(err) {
		return subscription.AppliedEvent{}, false, nil
	}
	if err != nil {
		return subscription.AppliedEvent{}, false, fmt.Errorf("lookup %s event %s: %w", provider, eventID, err)
	}

	ev.Provider = provider
	ev.EventID = eventID
	ev.Type = subscription.EventType(typ)
	ev.AppliedAt = ev.AppliedAt.UTC()
	if accountID != nil {
		ev.AccountID = *accountID
	}
	return ev, true, nil
}

// Record implements subscription.EventLedger.
func (r *Repository) Record(ctx context.Context, ev subscription.AppliedEvent) error {
	var accountID *uuid.UUID
	if ev.AccountID != uuid.Nil {
		accountID = &ev.AccountID
	}
	_, err := r.db.Exec(ctx, `INSERT INTO applied_events
		(provider, event_id, account_id, event_type, applied, reason, payload_hash, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(ev.Provider), ev.EventID, accountID, string(ev.Type), ev.Applied, ev.Reason, ev.Hash, ev.AppliedAt.UTC())
	if pg.IsDuplicateKeyError(err) {
		return subscription.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("record %s event %s: %w", ev.Provider, ev.EventID, err)
	}
	return nil
}
