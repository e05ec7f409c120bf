package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// Enabled reports whether Stripe credentials are configured.
func (c StripeConfig) Enabled() bool {
	return c.APIKey != "" || c.WebhookSecret != ""
}

// Metadata keys stamped on checkout sessions and subscriptions.
const (
	metaAccountID = "account_id"
	metaPlanID    = "plan_id"
)

type stripeSubscriptions interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type stripeCheckoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeAdapter implements ProviderAdapter for Stripe.
type StripeAdapter struct {
	secret        string
	subscriptions stripeSubscriptions
	sessions      stripeCheckoutSessions
}

// NewStripeAdapter creates a Stripe adapter backed by the Stripe API client.
func NewStripeAdapter(cfg StripeConfig) (*StripeAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrMissingAPIKey, errors.New("stripe"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingWebhookSecret, errors.New("stripe"))
	}

	api := &client.API{}
	api.Init(cfg.APIKey, nil)

	return &StripeAdapter{
		secret:        cfg.WebhookSecret,
		subscriptions: api.Subscriptions,
		sessions:      api.CheckoutSessions,
	}, nil
}

func (a *StripeAdapter) Provider() Provider { return ProviderStripe }

// Normalize verifies the Stripe-Signature header and maps the event.
func (a *StripeAdapter) Normalize(_ context.Context, payload []byte, header http.Header) (BillingEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), a.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return BillingEvent{}, errors.Join(ErrValidation, ErrWebhookVerificationFailed, err)
	}
	if event.Data == nil {
		return BillingEvent{}, fmt.Errorf("%w: stripe event %s has no data", ErrValidation, event.ID)
	}

	ev := BillingEvent{
		EventID:           event.ID,
		Provider:          ProviderStripe,
		ProviderEventType: string(event.Type),
		OccurredAt:        time.Unix(event.Created, 0).UTC(),
		RawPayloadHash:    HashPayload(payload),
		Type:              EventType(event.Type),
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return BillingEvent{}, errors.Join(ErrValidation, err)
		}
		if session.Mode != stripe.CheckoutSessionModeSubscription || session.Subscription == nil {
			// One-off payments carry no subscription state.
			return ev, nil
		}
		ev.Type = EventCheckoutCompleted
		ev.AccountID = parseAccountID(session.ClientReferenceID, session.Metadata)
		ev.PlanID = session.Metadata[metaPlanID]
		ev.ProviderRef = ProviderRef{
			Provider:       ProviderStripe,
			CustomerID:     stripeCustomerID(session.Customer),
			SubscriptionID: session.Subscription.ID,
		}

	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.paused", "customer.subscription.resumed",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return BillingEvent{}, errors.Join(ErrValidation, err)
		}
		state := stripeState(&sub)
		ev.Type = EventSubscriptionUpdated
		if event.Type == "customer.subscription.deleted" || state.Status == StatusCancelled {
			ev.Type = EventSubscriptionCancelled
		}
		ev.AccountID = state.AccountID
		ev.PlanID = state.PriceID
		ev.ProviderRef = state.Ref
		ev.Status = state.Status
		ev.PeriodStart, ev.PeriodEnd = state.PeriodStart, state.PeriodEnd
		ev.TrialEnd = state.TrialEnd
		ev.CancelAtPeriodEnd = &state.CancelAtPeriodEnd

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return BillingEvent{}, errors.Join(ErrValidation, err)
		}
		subID, meta := inv.subscription()
		if subID == "" {
			return ev, nil
		}
		ev.Type = EventInvoicePaid
		if event.Type == "invoice.payment_failed" {
			ev.Type = EventInvoiceFailed
		} else if start, end := inv.period(); !start.IsZero() && end.After(start) {
			ev.PeriodStart, ev.PeriodEnd = start, end
		}
		ev.AccountID = parseAccountID("", meta)
		ev.ProviderRef = ProviderRef{Provider: ProviderStripe, CustomerID: inv.Customer, SubscriptionID: subID}
	}

	return ev, nil
}

// FetchSubscription retrieves the subscription from the Stripe API.
func (a *StripeAdapter) FetchSubscription(ctx context.Context, ref ProviderRef) (*ProviderState, error) {
	if ref.SubscriptionID == "" {
		return nil, ErrMissingProviderRef
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := a.subscriptions.Get(ref.SubscriptionID, params)
	if err != nil {
		return nil, stripeError(err)
	}
	return stripeState(sub), nil
}

// FetchCheckout retrieves a checkout session with its subscription expanded.
func (a *StripeAdapter) FetchCheckout(ctx context.Context, sessionID string) (*CheckoutState, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	session, err := a.sessions.Get(sessionID, params)
	if err != nil {
		return nil, stripeError(err)
	}

	state := &CheckoutState{
		SessionID: session.ID,
		Completed: session.Status == stripe.CheckoutSessionStatusComplete,
		Expired:   session.Status == stripe.CheckoutSessionStatusExpired,
	}
	if state.Completed && session.Subscription != nil {
		sub := session.Subscription
		if sub.Status == "" {
			// Not expanded; fetch it.
			if sub, err = a.subscriptions.Get(sub.ID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}); err != nil {
				return nil, stripeError(err)
			}
		}
		ps := stripeState(sub)
		if ps.AccountID == uuid.Nil {
			ps.AccountID = parseAccountID(session.ClientReferenceID, session.Metadata)
		}
		if ps.Ref.CustomerID == "" {
			ps.Ref.CustomerID = stripeCustomerID(session.Customer)
		}
		state.Subscription = ps
	}
	return state, nil
}

// CreateCheckout creates a subscription-mode Checkout Session. The account id
// travels as client_reference_id and as subscription metadata so later
// subscription events can be attributed without a local lookup.
func (a *StripeAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	meta := map[string]string{
		metaAccountID: req.AccountID.String(),
		metaPlanID:    req.PlanID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(req.AccountID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta},
		Metadata:         meta,
	}
	params.Context = ctx
	if req.SuccessURL != "" {
		params.SuccessURL = stripe.String(req.SuccessURL)
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}

	session, err := a.sessions.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	if session.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutLink{
		URL:       session.URL,
		SessionID: session.ID,
		ExpiresAt: time.Unix(session.ExpiresAt, 0).UTC(),
	}, nil
}

func stripeState(sub *stripe.Subscription) *ProviderState {
	state := &ProviderState{
		Ref: ProviderRef{
			Provider:       ProviderStripe,
			CustomerID:     stripeCustomerID(sub.Customer),
			SubscriptionID: sub.ID,
		},
		AccountID:         parseAccountID("", sub.Metadata),
		Status:            mapStripeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if plan := sub.Metadata[metaPlanID]; plan != "" {
		state.PriceID = plan
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if state.PriceID == "" && item.Price != nil {
			state.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 && item.CurrentPeriodEnd > item.CurrentPeriodStart {
			state.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
			state.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		state.TrialEnd = &t
	}
	return state
}

func mapStripeStatus(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return StatusCancelled
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return StatusUnpaid
	case stripe.SubscriptionStatusIncomplete:
		return StatusIncomplete
	}
	return ""
}

func stripeCustomerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// stripeError classifies Stripe API failures. Errors the API answered with a
// 4xx are permanent; everything else is treated as provider unavailability.
func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("stripe: %w", err)
	}
	return errors.Join(ErrProviderUnavailable, err)
}

// stripeInvoice is the subset of an invoice payload used for billing events.
// The subscription id moved under parent.subscription_details in recent API
// versions; both locations are read.
type stripeInvoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv stripeInvoice) subscription() (string, map[string]string) {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return inv.Parent.SubscriptionDetails.Subscription, inv.Parent.SubscriptionDetails.Metadata
	}
	return inv.Subscription, inv.Metadata
}

func (inv stripeInvoice) period() (time.Time, time.Time) {
	if len(inv.Lines.Data) == 0 {
		return time.Time{}, time.Time{}
	}
	p := inv.Lines.Data[0].Period
	return time.Unix(p.Start, 0).UTC(), time.Unix(p.End, 0).UTC()
}

// parseAccountID reads the account id from a reference or metadata.
func parseAccountID(ref string, meta map[string]string) uuid.UUID {
	for _, candidate := range []string{ref, meta[metaAccountID]} {
		if id, err := uuid.Parse(candidate); err == nil {
			return id
		}
	}
	return uuid.Nil
}
