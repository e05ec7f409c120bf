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

// Ingestor applies normalized billing events to subscriptions. It is the only
// code path that changes a subscription after it was created, whether the
// event came from a webhook or from reconciliation.
type Ingestor struct {
	store    *Store
	catalog  *Catalog
	ledger   EventLedger
	meter    *Meter
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestMeter enables limit snapshots for the next period on plan changes.
func WithIngestMeter(m *Meter) IngestorOption {
	return func(i *Ingestor) { i.meter = m }
}

// WithIngestNotifier sets the notifier told about status and plan changes.
func WithIngestNotifier(n Notifier) IngestorOption {
	return func(i *Ingestor) {
		if n != nil {
			i.notifier = n
		}
	}
}

// WithIngestLogger sets the ingestor logger.
func WithIngestLogger(l *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithIngestMetrics enables outcome counters.
func WithIngestMetrics(m *Metrics) IngestorOption {
	return func(i *Ingestor) { i.metrics = m }
}

// WithIngestClock overrides the time source. Intended for tests.
func WithIngestClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor creates an event ingestor.
func NewIngestor(store *Store, catalog *Catalog, ledger EventLedger, opts ...IngestorOption) *Ingestor {
	if store == nil || catalog == nil {
		panic("subscription: Store and Catalog are required")
	}
	if ledger == nil {
		panic("subscription: EventLedger is required")
	}
	i := &Ingestor{
		store:    store,
		catalog:  catalog,
		ledger:   ledger,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest applies ev at most once. It returns only after the outcome is
// recorded in the ledger; a returned error means nothing was recorded and the
// caller must redeliver. Re-running an event is always safe.
func (i *Ingestor) Ingest(ctx context.Context, ev BillingEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	if ev.ProviderRef.SubscriptionID != "" && ev.ProviderRef.Provider == "" {
		ev.ProviderRef.Provider = ev.Provider
	}

	log := i.logger.With(
		logger.Provider(ev.Provider),
		logger.EventID(ev.EventID),
		logger.EventType(ev.Type),
	)

	if _, seen, err := i.ledger.Lookup(ctx, ev.Provider, ev.EventID); err != nil {
		return Outcome{}, fmt.Errorf("lookup applied event: %w", err)
	} else if seen {
		out := Ignored(ReasonDuplicate)
		i.metrics.event(ev.Provider, string(ev.Type), out)
		log.DebugContext(ctx, "duplicate billing event ignored")
		return out, nil
	}

	out, accountID, err := i.apply(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}

	rec := AppliedEvent{
		Provider:  ev.Provider,
		EventID:   ev.EventID,
		AccountID: accountID,
		Type:      ev.Type,
		Applied:   out.Applied,
		Reason:    out.Reason,
		Hash:      ev.RawPayloadHash,
		AppliedAt: i.now(),
	}
	if err := i.ledger.Record(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// A concurrent delivery of the same event won the record. Its
			// mutation set the same absolute values as ours.
			out = Ignored(ReasonDuplicate)
		} else {
			return Outcome{}, fmt.Errorf("record applied event: %w", err)
		}
	}

	i.metrics.event(ev.Provider, string(ev.Type), out)
	if out.Applied {
		log.LogAttrs(ctx, slog.LevelInfo, "billing event applied",
			logger.AccountID(accountID),
			logger.Status(out.Subscription.Status),
			slog.Int64("version", out.Subscription.Version))
	} else {
		log.LogAttrs(ctx, slog.LevelInfo, "billing event ignored", slog.String("reason", out.Reason))
	}
	return out, nil
}

func (i *Ingestor) apply(ctx context.Context, ev BillingEvent) (Outcome, uuid.UUID, error) {
	if !ev.Type.Handled() {
		return Ignored(ReasonUnhandled), ev.AccountID, nil
	}

	accountID, err := i.resolveAccount(ctx, ev)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return Ignored(ReasonUnknownAccount), uuid.Nil, nil
	}
	if err != nil {
		return Outcome{}, uuid.Nil, err
	}

	var plan *Plan
	if ev.PlanID != "" {
		p, ok := i.catalog.Resolve(ev.Provider, ev.PlanID)
		if !ok {
			return Ignored(ReasonUnknownPlan), accountID, nil
		}
		plan = &p
	}

	var (
		reason string
		prev   *Subscription
	)
	ctx = withWriteMeta(ctx, writeMeta{provider: ev.Provider, eventID: ev.EventID, at: ev.OccurredAt})
	next, err := i.store.Mutate(ctx, accountID, func(current *Subscription) (*Subscription, error) {
		prev = current.Clone()
		next, why := transition(current, ev, plan)
		reason = why
		if next == nil {
			return nil, ErrNoMutation
		}
		return next, nil
	})
	switch {
	case errors.Is(err, ErrNoMutation):
		return Ignored(reason), accountID, nil
	case errors.Is(err, ErrInvalidSubscriptionState):
		i.logger.LogAttrs(ctx, slog.LevelWarn, "billing event would break subscription invariants",
			logger.EventID(ev.EventID),
			logger.Error(err))
		return Ignored(ReasonInvalidState), accountID, nil
	case err != nil:
		return Outcome{}, accountID, err
	}

	i.afterApply(ctx, ev, prev, next)
	return Applied(next), accountID, nil
}

func (i *Ingestor) resolveAccount(ctx context.Context, ev BillingEvent) (uuid.UUID, error) {
	if ev.AccountID != uuid.Nil {
		return ev.AccountID, nil
	}
	if ev.ProviderRef.SubscriptionID == "" {
		return uuid.Nil, ErrSubscriptionNotFound
	}
	sub, err := i.store.FindByProviderRef(ctx, ev.Provider, ev.ProviderRef.SubscriptionID)
	if err != nil {
		return uuid.Nil, err
	}
	return sub.AccountID, nil
}

// afterApply runs the non-critical follow-ups of a state change.
func (i *Ingestor) afterApply(ctx context.Context, ev BillingEvent, prev, next *Subscription) {
	var fromStatus Status
	var fromPlan string
	if prev != nil {
		fromStatus, fromPlan = prev.Status, prev.PlanID
	}

	if fromPlan != next.PlanID && i.meter != nil && !next.PeriodEnd.IsZero() {
		plan, err := i.catalog.Get(next.PlanID)
		if err == nil {
			// Counters of the running window change only while unused.
			start, end := CurrentPeriod(next, i.now())
			err = errors.Join(
				i.meter.Schedule(ctx, next.AccountID, start, plan),
				i.meter.Schedule(ctx, next.AccountID, end, plan),
			)
		}
		if err != nil {
			i.logger.LogAttrs(ctx, slog.LevelWarn, "failed to schedule next period limits",
				logger.AccountID(next.AccountID),
				logger.PlanID(next.PlanID),
				logger.Error(err))
		}
	}

	if fromStatus != next.Status || fromPlan != next.PlanID {
		change := StatusChange{
			AccountID:  next.AccountID,
			FromStatus: fromStatus,
			ToStatus:   next.Status,
			FromPlan:   fromPlan,
			ToPlan:     next.PlanID,
			EventID:    ev.EventID,
		}
		if err := i.notifier.SubscriptionChanged(ctx, change); err != nil {
			i.logger.LogAttrs(ctx, slog.LevelWarn, "subscription change notification failed",
				logger.AccountID(next.AccountID),
				logger.Error(err))
		}
	}
}

// transition computes the state after ev. It returns nil and a reason when
// the event must not change the record. Every field it sets is an absolute
// value taken from the event, so applying the same event twice is a no-op.
func transition(current *Subscription, ev BillingEvent, plan *Plan) (*Subscription, string) {
	if current == nil {
		if ev.Type == EventSubscriptionCancelled {
			return nil, ReasonUnknownAccount
		}
		if plan == nil {
			return nil, ReasonUnknownPlan
		}
		return mutate(&Subscription{AccountID: ev.AccountID}, ev, plan, false), ""
	}

	// Snapshots and invoices are ordered on separate watermarks. Anything
	// older than the newest snapshot is already reflected in it.
	last, seen := current.LastEventFrom(ev.Provider)
	invoiced, billed := current.LastInvoiceFrom(ev.Provider)
	if seen && ev.OccurredAt.Before(last) {
		return nil, ReasonStale
	}
	if ev.Type.Invoice() && billed && ev.OccurredAt.Before(invoiced) {
		return nil, ReasonStale
	}
	superseded := !ev.Type.Invoice() && billed && ev.OccurredAt.Before(invoiced)

	if current.IsCancelled() {
		if !startsNewGeneration(current, ev) {
			return nil, ReasonTerminal
		}
		fresh := &Subscription{
			AccountID: current.AccountID,
			PlanID:    current.PlanID,
			CreatedAt: current.CreatedAt,
		}
		if plan == nil {
			return nil, ReasonUnknownPlan
		}
		return mutate(fresh, ev, plan, false), ""
	}

	if foreignRef(current, ev) {
		return nil, ReasonForeignRef
	}

	next := mutate(current.Clone(), ev, plan, superseded)
	if !canTransition(current.Status, next.Status) {
		return nil, ReasonTerminal
	}
	mark, marked := last, seen
	if ev.Type.Invoice() {
		mark, marked = invoiced, billed
	}
	if sameState(current, next) && marked && !ev.OccurredAt.After(mark) {
		return nil, ReasonNoChange
	}
	return next, ""
}

// startsNewGeneration reports whether ev is a checkout for a provider
// subscription other than the cancelled one. The new generation continues the
// version sequence instead of restarting it, so audit rows stay unique.
func startsNewGeneration(current *Subscription, ev BillingEvent) bool {
	if ev.Type != EventCheckoutCompleted || ev.ProviderRef.SubscriptionID == "" {
		return false
	}
	ref := current.ProviderRef
	return ref == nil || ref.Provider != ev.Provider || ref.SubscriptionID != ev.ProviderRef.SubscriptionID
}

// foreignRef reports whether a non-checkout event belongs to a provider
// subscription other than the one the record is bound to.
func foreignRef(current *Subscription, ev BillingEvent) bool {
	if ev.Type == EventCheckoutCompleted || current.ProviderRef == nil || ev.ProviderRef.SubscriptionID == "" {
		return false
	}
	return current.ProviderRef.Provider != ev.Provider ||
		current.ProviderRef.SubscriptionID != ev.ProviderRef.SubscriptionID
}

// mutate applies ev to sub. A superseded snapshot is older than an invoice
// already applied: it still sets the plan and flags, but only a cancellation
// overrides the status, and periods only move forward.
func mutate(sub *Subscription, ev BillingEvent, plan *Plan, superseded bool) *Subscription {
	if plan != nil {
		sub.PlanID = plan.ID
	}
	if ev.ProviderRef.SubscriptionID != "" && (sub.ProviderRef == nil || ev.Type == EventCheckoutCompleted) {
		ref := ev.ProviderRef
		if ref.CustomerID == "" && sub.ProviderRef != nil && sub.ProviderRef.Provider == ref.Provider {
			ref.CustomerID = sub.ProviderRef.CustomerID
		}
		sub.ProviderRef = &ref
	}

	if ev.Type == EventCheckoutCompleted {
		sub.CancelledAt = nil
	}
	if status := eventStatus(ev); status != "" && (!superseded || status == StatusCancelled) {
		sub.Status = status
	}

	if ev.Type.Invoice() || superseded {
		if !ev.PeriodEnd.IsZero() && ev.PeriodEnd.After(sub.PeriodEnd) {
			sub.PeriodEnd = ev.PeriodEnd.UTC()
			if !ev.PeriodStart.IsZero() {
				sub.PeriodStart = ev.PeriodStart.UTC()
			}
		}
	} else {
		if !ev.PeriodStart.IsZero() {
			sub.PeriodStart = ev.PeriodStart.UTC()
		}
		if !ev.PeriodEnd.IsZero() {
			sub.PeriodEnd = ev.PeriodEnd.UTC()
		}
	}
	if ev.TrialEnd != nil {
		t := ev.TrialEnd.UTC()
		sub.TrialEnd = &t
	}
	if ev.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}

	if sub.Status == StatusCancelled {
		sub.CancelAtPeriodEnd = false
		if sub.CancelledAt == nil {
			at := ev.OccurredAt.UTC()
			sub.CancelledAt = &at
		}
	}

	if ev.Type.Invoice() {
		sub.LastInvoiceAt = advance(sub.LastInvoiceAt, ev.Provider, ev.OccurredAt)
	} else {
		sub.LastEventAt = advance(sub.LastEventAt, ev.Provider, ev.OccurredAt)
	}
	return sub
}

// eventStatus returns the status ev reports, or "" when it reports none.
func eventStatus(ev BillingEvent) Status {
	switch ev.Type {
	case EventInvoicePaid:
		return StatusActive
	case EventInvoiceFailed:
		return StatusPastDue
	}
	if ev.Status != "" {
		return ev.Status
	}
	switch ev.Type {
	case EventCheckoutCompleted:
		return StatusActive
	case EventSubscriptionCancelled:
		return StatusCancelled
	}
	return ""
}

func advance(marks map[Provider]time.Time, p Provider, at time.Time) map[Provider]time.Time {
	if last, ok := marks[p]; ok && !at.After(last) {
		return marks
	}
	if marks == nil {
		marks = make(map[Provider]time.Time, 1)
	}
	marks[p] = at.UTC()
	return marks
}
