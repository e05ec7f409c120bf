package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/botmeter/pkg/logger"
)

// SubscriptionRepository defines the persistence contract for subscriptions.
// Each account has exactly one subscription, so AccountID serves as the primary key.
type SubscriptionRepository interface {
	// Get retrieves a subscription by account ID.
	// Returns ErrSubscriptionNotFound if no subscription exists.
	Get(ctx context.Context, accountID uuid.UUID) (*Subscription, error)

	// FindByProviderRef looks a subscription up by its provider subscription id.
	// Returns ErrSubscriptionNotFound if none is bound to it.
	FindByProviderRef(ctx context.Context, provider Provider, subscriptionID string) (*Subscription, error)

	// CompareAndSwap stores next only if the stored version equals expectedVersion.
	// expectedVersion 0 means the record must not exist yet. next.Version is
	// already incremented by the caller. Returns ErrVersionConflict on mismatch.
	CompareAndSwap(ctx context.Context, next *Subscription, expectedVersion int64) error

	// ListForReconciliation returns subscriptions matching the sweep criteria.
	ListForReconciliation(ctx context.Context, q ReconcileQuery) ([]*Subscription, error)
}

// ReconcileQuery selects subscriptions whose local state may lag the provider.
// Only records with a provider reference that are not cancelled qualify.
type ReconcileQuery struct {
	// Ambiguous statuses updated before StaleBefore.
	AmbiguousStatuses []Status
	StaleBefore       time.Time
	// Records that never received a provider event and were updated before CheckoutBefore.
	CheckoutBefore time.Time
	// Any record not updated since ResyncBefore. Zero disables the full resync.
	ResyncBefore time.Time
	Limit        int
}

// AuditEntry is one row of the subscription version history.
type AuditEntry struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Version    int64
	Status     Status
	PlanID     string
	Provider   Provider
	EventID    string
	OccurredAt time.Time
}

// AuditLog appends version history rows. Never read by the hot path.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// Mutation derives the next subscription state from the current one.
// current is nil when no record exists. The returned value must be a new
// value (use Clone); version and timestamps are stamped by the Store.
// Returning ErrNoMutation leaves the record untouched.
type Mutation func(current *Subscription) (*Subscription, error)

// ErrNoMutation tells the Store that a mutation decided not to write.
var ErrNoMutation = errors.New("no mutation")

type writeMeta struct {
	provider Provider
	eventID  string
	at       time.Time
}

type writeMetaKey struct{}

// withWriteMeta attaches the originating event to the audit row of a write.
func withWriteMeta(ctx context.Context, m writeMeta) context.Context {
	return context.WithValue(ctx, writeMetaKey{}, m)
}

// Store is the single writer of Subscription records.
// All mutations are compare-and-swap on Version.
type Store struct {
	repo       SubscriptionRepository
	audit      AuditLog
	catalog    *Catalog
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
	maxRetries uint64
	backoff    time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithAuditLog sets the audit log. Without one, audit rows are dropped.
func WithAuditLog(a AuditLog) StoreOption {
	return func(s *Store) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithStoreLogger sets the logger used for non-fatal bookkeeping failures.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCASRetry sets the bounded retry policy for version conflicts.
func WithCASRetry(maxRetries uint64, base time.Duration) StoreOption {
	return func(s *Store) {
		s.maxRetries = maxRetries
		if base > 0 {
			s.backoff = base
		}
	}
}

// WithStoreClock overrides the time source. Intended for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreMetrics enables conflict counters.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates the subscription store.
// Panics if repo or catalog is nil to fail fast during initialization.
func NewStore(repo SubscriptionRepository, catalog *Catalog, opts ...StoreOption) *Store {
	if repo == nil {
		panic("subscription: SubscriptionRepository is required")
	}
	if catalog == nil {
		panic("subscription: Catalog is required")
	}
	s := &Store{
		repo:       repo,
		catalog:    catalog,
		audit:      nopAuditLog{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: 3,
		backoff:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the account's subscription or ErrSubscriptionNotFound.
func (s *Store) Get(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	return s.repo.Get(ctx, accountID)
}

// FindByProviderRef resolves a provider subscription id to the local record.
func (s *Store) FindByProviderRef(ctx context.Context, provider Provider, subscriptionID string) (*Subscription, error) {
	return s.repo.FindByProviderRef(ctx, provider, subscriptionID)
}

// Upsert performs a single compare-and-swap attempt. The mutation receives
// the stored record, which must be at expectedVersion (0 = absent).
func (s *Store) Upsert(ctx context.Context, accountID uuid.UUID, mutation Mutation, expectedVersion int64) (*Subscription, error) {
	current, err := s.repo.Get(ctx, accountID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		current = nil
	case err != nil:
		return nil, err
	}

	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return nil, ErrVersionConflict
	}

	return s.write(ctx, accountID, current, mutation)
}

// Mutate reads the current record, applies mutation and writes it back,
// retrying with exponential backoff on version conflicts. Once retries are
// exhausted the conflict is surfaced as ErrTransientFailure.
func (s *Store) Mutate(ctx context.Context, accountID uuid.UUID, mutation Mutation) (*Subscription, error) {
	var result *Subscription

	backoff := retry.WithMaxRetries(s.maxRetries, retry.WithJitterPercent(20, retry.NewExponential(s.backoff)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, accountID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			current = nil
		case err != nil:
			return err
		}

		sub, err := s.write(ctx, accountID, current, mutation)
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.casConflict()
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		result = sub
		return nil
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil, errors.Join(ErrTransientFailure, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnsureTrial returns the account's subscription, creating an implicit
// trialing record on the catalog's trial plan when none exists.
func (s *Store) EnsureTrial(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.Get(ctx, accountID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	plan := s.catalog.TrialPlan()
	sub, err = s.Mutate(ctx, accountID, func(current *Subscription) (*Subscription, error) {
		if current != nil {
			// Someone else created it first; take theirs.
			return nil, ErrNoMutation
		}
		now := s.now()
		next := &Subscription{
			AccountID:   accountID,
			PlanID:      plan.ID,
			Status:      StatusTrialing,
			PeriodStart: now,
			PeriodEnd:   now.AddDate(0, 1, 0),
		}
		if plan.TrialDays > 0 {
			trialEnd := plan.TrialEndsAt(now)
			next.TrialEnd = &trialEnd
		}
		return next, nil
	})
	if errors.Is(err, ErrNoMutation) {
		return s.repo.Get(ctx, accountID)
	}
	return sub, err
}

func (s *Store) write(ctx context.Context, accountID uuid.UUID, current *Subscription, mutation Mutation) (*Subscription, error) {
	var input *Subscription
	if current != nil {
		input = current.Clone()
	}

	next, err := mutation(input)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrNoMutation
	}

	now := s.now()
	var expected int64
	next.AccountID = accountID
	if current != nil {
		expected = current.Version
		next.CreatedAt = current.CreatedAt
	} else {
		next.CreatedAt = now
	}
	next.Version = expected + 1
	next.UpdatedAt = now

	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CompareAndSwap(ctx, next, expected); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, next)
	return next.Clone(), nil
}

// appendAudit records the version history row. Failures are logged and never
// roll back the state transition.
func (s *Store) appendAudit(ctx context.Context, sub *Subscription) {
	entry := AuditEntry{
		ID:         uuid.New(),
		AccountID:  sub.AccountID,
		Version:    sub.Version,
		Status:     sub.Status,
		PlanID:     sub.PlanID,
		OccurredAt: sub.UpdatedAt,
	}
	if meta, ok := ctx.Value(writeMetaKey{}).(writeMeta); ok {
		entry.Provider = meta.provider
		entry.EventID = meta.eventID
		entry.OccurredAt = meta.at
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to append subscription audit entry",
			logger.AccountID(sub.AccountID),
			slog.Int64("version", sub.Version),
			logger.Error(err))
	}
}

type nopAuditLog struct{}

func (nopAuditLog) Append(context.Context, AuditEntry) error { return nil }

// String implements fmt.Stringer for log output.
func (q ReconcileQuery) String() string {
	return fmt.Sprintf("ambiguous=%v stale_before=%s checkout_before=%s resync_before=%s limit=%d",
		q.AmbiguousStatuses, q.StaleBefore.Format(time.RFC3339), q.CheckoutBefore.Format(time.RFC3339),
		q.ResyncBefore.Format(time.RFC3339), q.Limit)
}
