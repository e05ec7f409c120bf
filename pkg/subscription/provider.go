package subscription

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ProviderAdapter is the capability set every billing provider integration
// implements. Provider quirks stay inside the adapter; the rest of the system
// only sees BillingEvent and ProviderState.
type ProviderAdapter interface {
	Provider() Provider

	// Normalize verifies the webhook signature and converts the payload.
	// Signature and shape failures wrap ErrValidation. Events the adapter does
	// not map keep the raw type in ProviderEventType and an unhandled Type.
	Normalize(ctx context.Context, payload []byte, header http.Header) (BillingEvent, error)

	// FetchSubscription returns provider-of-record state.
	// Network failures and timeouts wrap ErrProviderUnavailable.
	FetchSubscription(ctx context.Context, ref ProviderRef) (*ProviderState, error)

	// FetchCheckout returns the state of a checkout session created by CreateCheckout.
	FetchCheckout(ctx context.Context, sessionID string) (*CheckoutState, error)

	// CreateCheckout creates a hosted checkout session.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)
}

// ProviderState is a subscription as reported by its provider.
type ProviderState struct {
	Ref               ProviderRef
	AccountID         uuid.UUID // from provider metadata, uuid.Nil when absent
	PriceID           string
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
}

// Event synthesizes the billing event that moves a local record to this state.
// The event id is unique per fetch so every sweep is ingested.
func (s *ProviderState) Event(accountID uuid.UUID, fetchedAt time.Time) BillingEvent {
	typ := EventSubscriptionUpdated
	if s.Status == StatusCancelled {
		typ = EventSubscriptionCancelled
	}
	cancelAtPeriodEnd := s.CancelAtPeriodEnd
	return BillingEvent{
		EventID:           fmt.Sprintf("reconcile-%s-%d", s.Ref.SubscriptionID, fetchedAt.UnixNano()),
		Provider:          s.Ref.Provider,
		Type:              typ,
		ProviderEventType: "reconcile",
		AccountID:         accountID,
		PlanID:            s.PriceID,
		ProviderRef:       s.Ref,
		OccurredAt:        fetchedAt,
		Status:            s.Status,
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		TrialEnd:          s.TrialEnd,
		CancelAtPeriodEnd: &cancelAtPeriodEnd,
	}
}

// CheckoutState is a checkout session as reported by its provider.
type CheckoutState struct {
	SessionID    string
	Completed    bool
	Expired      bool
	Subscription *ProviderState // set once Completed
}

// CheckoutRequest contains data needed to create a checkout session.
type CheckoutRequest struct {
	AccountID  uuid.UUID
	PlanID     string
	PriceID    string // Provider's price/plan identifier
	CustomerID string // Provider customer id when the account is already bound
	Email      string // Optional billing email
	SuccessURL string // Redirect after successful payment
	CancelURL  string // Redirect if customer cancels
}

// CheckoutLink represents a hosted checkout session.
type CheckoutLink struct {
	URL       string    `json:"url"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Adapters indexes provider adapters by provider.
type Adapters map[Provider]ProviderAdapter

// NewAdapters builds the index from a list of adapters.
func NewAdapters(adapters ...ProviderAdapter) Adapters {
	out := make(Adapters, len(adapters))
	for _, a := range adapters {
		if a != nil {
			out[a.Provider()] = a
		}
	}
	return out
}

// Get returns the adapter for p or ErrUnknownProvider.
func (a Adapters) Get(p Provider) (ProviderAdapter, error) {
	adapter, ok := a[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return adapter, nil
}
