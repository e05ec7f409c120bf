package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the normalized billing event type.
// Each provider adapter maps its specific events to these types.
type EventType string

const (
	EventCheckoutCompleted     EventType = "checkout_completed"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventInvoicePaid           EventType = "invoice_paid"
	EventInvoiceFailed         EventType = "invoice_failed"
)

// Handled reports whether the ingestor maps this type to a mutation.
func (t EventType) Handled() bool {
	switch t {
	case EventCheckoutCompleted, EventSubscriptionUpdated, EventSubscriptionCancelled,
		EventInvoicePaid, EventInvoiceFailed:
		return true
	}
	return false
}

// Invoice reports payment outcome events. They carry a status and at most a
// renewed period, never a plan, so they are ordered separately from the
// subscription snapshots.
func (t EventType) Invoice() bool {
	return t == EventInvoicePaid || t == EventInvoiceFailed
}

// BillingEvent is the provider-independent shape every inbound webhook and
// every reconciliation fetch is normalized into.
type BillingEvent struct {
	EventID           string
	Provider          Provider
	Type              EventType
	ProviderEventType string    // original provider event name
	AccountID         uuid.UUID // uuid.Nil when the payload carries no account, resolved via ProviderRef
	PlanID            string    // plan id or provider price id, optional
	ProviderRef       ProviderRef
	OccurredAt        time.Time
	RawPayloadHash    string

	// Target state reported by the provider. Zero values mean "not reported".
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd *bool
}

// Validate checks the fields every event must carry before ingestion.
func (e *BillingEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event id is required", ErrValidation)
	}
	if !e.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrValidation, e.Provider)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrValidation)
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, e.Status)
	}
	if e.ProviderRef.Provider != "" && e.ProviderRef.Provider != e.Provider {
		return fmt.Errorf("%w: provider ref %s does not match event provider %s",
			ErrValidation, e.ProviderRef.Provider, e.Provider)
	}
	if !e.PeriodStart.IsZero() && !e.PeriodEnd.IsZero() && !e.PeriodEnd.After(e.PeriodStart) {
		return fmt.Errorf("%w: period end is not after period start", ErrValidation)
	}
	return nil
}

// HashPayload returns the hex sha256 digest stored as RawPayloadHash.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Ignore reasons reported in Outcome.Reason.
const (
	ReasonDuplicate      = "duplicate"
	ReasonUnhandled      = "unhandled"
	ReasonStale          = "stale"
	ReasonTerminal       = "terminal"
	ReasonUnknownAccount = "unknown_account"
	ReasonUnknownPlan    = "unknown_plan"
	ReasonNoChange       = "no_change"
	ReasonForeignRef     = "provider_mismatch"
	ReasonInvalidState   = "invalid_state"
)

// Outcome is the result of ingesting one event: Applied, or Ignored with a reason.
type Outcome struct {
	Applied      bool
	Reason       string
	Subscription *Subscription // state after the event, when known
}

// Applied builds a successful outcome.
func Applied(sub *Subscription) Outcome {
	return Outcome{Applied: true, Subscription: sub}
}

// Ignored builds a no-op outcome.
func Ignored(reason string) Outcome {
	return Outcome{Reason: reason}
}

func (o Outcome) String() string {
	if o.Applied {
		return "applied"
	}
	return "ignored(" + o.Reason + ")"
}

// AppliedEvent is the idempotency record kept for every processed event.
type AppliedEvent struct {
	Provider  Provider
	EventID   string
	AccountID uuid.UUID
	Type      EventType
	Applied   bool
	Reason    string
	Hash      string
	AppliedAt time.Time
}

// EventLedger is the append-only AppliedEvents table.
type EventLedger interface {
	// Lookup returns the recorded outcome, or ok=false when the event is new.
	Lookup(ctx context.Context, provider Provider, eventID string) (AppliedEvent, bool, error)
	// Record appends the event. Returns ErrDuplicateEvent if it already exists.
	Record(ctx context.Context, ev AppliedEvent) error
}
