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

// CheckoutStatus is the lifecycle state of a checkout attempt.
type CheckoutStatus string

const (
	CheckoutPending   CheckoutStatus = "pending"
	CheckoutCompleted CheckoutStatus = "completed"
	CheckoutExpired   CheckoutStatus = "expired"
)

// CheckoutAttempt records a checkout session handed to a user, so the
// reconciler can recover it when the provider's webhook never arrives.
type CheckoutAttempt struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Provider   Provider
	PlanID     string
	SessionID  string
	Status     CheckoutStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CheckoutRepository persists checkout attempts.
type CheckoutRepository interface {
	Create(ctx context.Context, attempt CheckoutAttempt) error
	// ListPending returns pending attempts created before the given time, oldest first.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]CheckoutAttempt, error)
	Resolve(ctx context.Context, id uuid.UUID, status CheckoutStatus, at time.Time) error
}

// DefaultProviderTimeout bounds every outbound provider call.
const DefaultProviderTimeout = 10 * time.Second

// Checkout starts hosted checkouts. It never writes subscriptions: the
// resulting state arrives later as a billing event or through reconciliation.
type Checkout struct {
	store           *Store
	catalog         *Catalog
	adapters        Adapters
	attempts        CheckoutRepository
	defaultProvider Provider
	timeout         time.Duration
	logger          *slog.Logger
	metrics         *Metrics
	now             func() time.Time
}

// CheckoutOption configures a Checkout.
type CheckoutOption func(*Checkout)

// WithCheckoutAttempts enables attempt tracking.
func WithCheckoutAttempts(repo CheckoutRepository) CheckoutOption {
	return func(c *Checkout) { c.attempts = repo }
}

// WithCheckoutTimeout overrides the provider call timeout.
func WithCheckoutTimeout(d time.Duration) CheckoutOption {
	return func(c *Checkout) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCheckoutLogger sets the checkout logger.
func WithCheckoutLogger(l *slog.Logger) CheckoutOption {
	return func(c *Checkout) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCheckoutMetrics enables checkout counters.
func WithCheckoutMetrics(m *Metrics) CheckoutOption {
	return func(c *Checkout) { c.metrics = m }
}

// WithCheckoutClock overrides the time source. Intended for tests.
func WithCheckoutClock(now func() time.Time) CheckoutOption {
	return func(c *Checkout) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCheckout creates the checkout service. Accounts not yet bound to a
// provider are sent to defaultProvider.
func NewCheckout(store *Store, catalog *Catalog, adapters Adapters, defaultProvider Provider, opts ...CheckoutOption) (*Checkout, error) {
	if store == nil || catalog == nil {
		panic("subscription: Store and Catalog are required")
	}
	if _, err := adapters.Get(defaultProvider); err != nil {
		return nil, err
	}
	c := &Checkout{
		store:           store,
		catalog:         catalog,
		adapters:        adapters,
		defaultProvider: defaultProvider,
		timeout:         DefaultProviderTimeout,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create returns a redirect link to the provider checkout for planID.
func (c *Checkout) Create(ctx context.Context, accountID uuid.UUID, planID string, opts CheckoutOptions) (*CheckoutLink, error) {
	plan, err := c.catalog.Get(planID)
	if err != nil {
		return nil, err
	}

	sub, err := c.store.Get(ctx, accountID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	provider := c.defaultProvider
	req := CheckoutRequest{
		AccountID:  accountID,
		PlanID:     plan.ID,
		Email:      opts.Email,
		SuccessURL: opts.SuccessURL,
		CancelURL:  opts.CancelURL,
	}
	if sub != nil && sub.ProviderRef != nil {
		provider = sub.ProviderRef.Provider
		req.CustomerID = sub.ProviderRef.CustomerID
		if !sub.IsCancelled() && sub.PlanID == plan.ID && sub.Status != StatusIncomplete {
			return nil, ErrAlreadySubscribed
		}
	}

	priceID, ok := plan.PriceID(provider)
	if !ok {
		return nil, fmt.Errorf("%w: plan %s has no %s price", ErrMissingPriceID, plan.ID, provider)
	}
	req.PriceID = priceID

	adapter, err := c.adapters.Get(provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	link, err := adapter.CreateCheckout(callCtx, req)
	c.metrics.checkout(provider, err)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Join(ErrProviderUnavailable, err)
		}
		return nil, err
	}

	if c.attempts != nil {
		attempt := CheckoutAttempt{
			ID:        uuid.New(),
			AccountID: accountID,
			Provider:  provider,
			PlanID:    plan.ID,
			SessionID: link.SessionID,
			Status:    CheckoutPending,
			CreatedAt: c.now(),
		}
		if err := c.attempts.Create(ctx, attempt); err != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "failed to record checkout attempt",
				logger.AccountID(accountID),
				logger.Provider(provider),
				logger.Error(err))
		}
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "checkout session created",
		logger.AccountID(accountID),
		logger.Provider(provider),
		logger.PlanID(plan.ID),
		slog.String("session_id", link.SessionID))
	return link, nil
}
