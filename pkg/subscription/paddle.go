package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
	"github.com/google/uuid"
)

// PaddleConfig holds configuration for Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// Enabled reports whether Paddle credentials are configured.
func (c PaddleConfig) Enabled() bool {
	return c.APIKey != "" || c.WebhookSecret != ""
}

// paddleAPI is the slice of the Paddle API the adapter calls. Results are
// decoded into local structs so the adapter only depends on the wire format.
type paddleAPI interface {
	subscription(ctx context.Context, id string) (*paddleSubscription, error)
	transaction(ctx context.Context, id string) (*paddleTransaction, error)
	createTransaction(ctx context.Context, req CheckoutRequest) (*paddleTransaction, error)
}

// PaddleAdapter implements ProviderAdapter for Paddle.
type PaddleAdapter struct {
	api      paddleAPI
	verifier *paddle.WebhookVerifier
}

// NewPaddleAdapter creates a Paddle adapter backed by the Paddle SDK.
func NewPaddleAdapter(config PaddleConfig) (*PaddleAdapter, error) {
	if config.APIKey == "" {
		return nil, errors.Join(ErrMissingAPIKey, errors.New("paddle"))
	}
	if config.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingWebhookSecret, errors.New("paddle"))
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderEnv, config.Environment)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleAdapter{
		api:      &paddleSDK{client: client},
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

func (a *PaddleAdapter) Provider() Provider { return ProviderPaddle }

// Normalize verifies the Paddle-Signature header and maps the event.
func (a *PaddleAdapter) Normalize(ctx context.Context, payload []byte, header http.Header) (BillingEvent, error) {
	// The SDK verifier works on a request, so rebuild one around the payload.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return BillingEvent{}, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", header.Get("Paddle-Signature"))

	valid, err := a.verifier.Verify(req)
	if err != nil || !valid {
		return BillingEvent{}, errors.Join(ErrValidation, ErrWebhookVerificationFailed, err)
	}

	var envelope struct {
		EventID    string          `json:"event_id"`
		EventType  string          `json:"event_type"`
		OccurredAt time.Time       `json:"occurred_at"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return BillingEvent{}, errors.Join(ErrValidation, fmt.Errorf("failed to parse webhook payload: %w", err))
	}

	ev := BillingEvent{
		EventID:           envelope.EventID,
		Provider:          ProviderPaddle,
		Type:              mapPaddleEventType(envelope.EventType),
		ProviderEventType: envelope.EventType,
		OccurredAt:        envelope.OccurredAt.UTC(),
		RawPayloadHash:    HashPayload(payload),
	}

	switch {
	case strings.HasPrefix(envelope.EventType, "subscription."):
		var sub paddleSubscription
		if err := json.Unmarshal(envelope.Data, &sub); err != nil {
			return BillingEvent{}, errors.Join(ErrValidation, err)
		}
		state := sub.state()
		if ev.Type == EventSubscriptionUpdated && state.Status == StatusCancelled {
			ev.Type = EventSubscriptionCancelled
		}
		ev.AccountID = state.AccountID
		ev.PlanID = state.PriceID
		ev.ProviderRef = state.Ref
		ev.Status = state.Status
		ev.PeriodStart, ev.PeriodEnd = state.PeriodStart, state.PeriodEnd
		ev.TrialEnd = state.TrialEnd
		ev.CancelAtPeriodEnd = &state.CancelAtPeriodEnd

	case strings.HasPrefix(envelope.EventType, "transaction."):
		var txn paddleTransaction
		if err := json.Unmarshal(envelope.Data, &txn); err != nil {
			return BillingEvent{}, errors.Join(ErrValidation, err)
		}
		if txn.SubscriptionID == "" {
			// One-off transactions carry no subscription state.
			ev.Type = EventType(envelope.EventType)
			return ev, nil
		}
		ev.AccountID = parseAccountID("", customStrings(txn.CustomData))
		ev.ProviderRef = ProviderRef{Provider: ProviderPaddle, CustomerID: txn.CustomerID, SubscriptionID: txn.SubscriptionID}
		if ev.Type == EventInvoicePaid && txn.BillingPeriod != nil && txn.BillingPeriod.EndsAt.After(txn.BillingPeriod.StartsAt) {
			ev.PeriodStart = txn.BillingPeriod.StartsAt.UTC()
			ev.PeriodEnd = txn.BillingPeriod.EndsAt.UTC()
		}
	}

	return ev, nil
}

// FetchSubscription retrieves the subscription from the Paddle API.
func (a *PaddleAdapter) FetchSubscription(ctx context.Context, ref ProviderRef) (*ProviderState, error) {
	if ref.SubscriptionID == "" {
		return nil, ErrMissingProviderRef
	}
	sub, err := a.api.subscription(ctx, ref.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return sub.state(), nil
}

// FetchCheckout treats the checkout transaction as the session. It is
// complete once paid and linked to a subscription.
func (a *PaddleAdapter) FetchCheckout(ctx context.Context, sessionID string) (*CheckoutState, error) {
	txn, err := a.api.transaction(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state := &CheckoutState{SessionID: txn.ID}
	switch txn.Status {
	case "paid", "completed":
		state.Completed = txn.SubscriptionID != ""
	case "canceled":
		state.Expired = true
	}
	if !state.Completed {
		return state, nil
	}

	sub, err := a.api.subscription(ctx, txn.SubscriptionID)
	if err != nil {
		return nil, err
	}
	ps := sub.state()
	if ps.AccountID == uuid.Nil {
		ps.AccountID = parseAccountID("", customStrings(txn.CustomData))
	}
	state.Subscription = ps
	return state, nil
}

// CreateCheckout creates a transaction whose checkout URL hosts the payment.
func (a *PaddleAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	txn, err := a.api.createTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	if txn.Checkout == nil || txn.Checkout.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutLink{
		URL:       txn.Checkout.URL,
		SessionID: txn.ID,
		ExpiresAt: time.Now().Add(24 * time.Hour), // Paddle checkout links typically expire in 24 hours
	}, nil
}

// mapPaddleEventType maps Paddle event types to internal EventType.
func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "subscription.created", "subscription.activated":
		return EventCheckoutCompleted
	case "subscription.updated", "subscription.resumed", "subscription.paused",
		"subscription.past_due", "subscription.trialing":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionCancelled
	case "transaction.completed", "transaction.paid":
		return EventInvoicePaid
	case "transaction.payment_failed", "transaction.past_due":
		return EventInvoiceFailed
	default:
		// Return the original event as EventType for unmapped events
		return EventType(paddleEvent)
	}
}

// mapPaddleStatus maps Paddle subscription status to internal Status.
// A paused subscription is not being paid for and loses access.
func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCancelled
	case "paused":
		return StatusUnpaid
	}
	return ""
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleSubscription struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	CustomerID           string         `json:"customer_id"`
	CustomData           map[string]any `json:"custom_data"`
	CurrentBillingPeriod *paddlePeriod  `json:"current_billing_period"`
	ScheduledChange      *struct {
		Action string `json:"action"`
	} `json:"scheduled_change"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
		TrialDates *paddlePeriod `json:"trial_dates"`
	} `json:"items"`
}

func (s *paddleSubscription) state() *ProviderState {
	state := &ProviderState{
		Ref: ProviderRef{
			Provider:       ProviderPaddle,
			CustomerID:     s.CustomerID,
			SubscriptionID: s.ID,
		},
		AccountID:         parseAccountID("", customStrings(s.CustomData)),
		PriceID:           customStrings(s.CustomData)[metaPlanID],
		Status:            mapPaddleStatus(s.Status),
		CancelAtPeriodEnd: s.ScheduledChange != nil && s.ScheduledChange.Action == "cancel",
	}
	if p := s.CurrentBillingPeriod; p != nil && p.EndsAt.After(p.StartsAt) {
		state.PeriodStart, state.PeriodEnd = p.StartsAt.UTC(), p.EndsAt.UTC()
	}
	if len(s.Items) > 0 {
		if state.PriceID == "" {
			state.PriceID = s.Items[0].Price.ID
		}
		if td := s.Items[0].TrialDates; td != nil && !td.EndsAt.IsZero() {
			t := td.EndsAt.UTC()
			state.TrialEnd = &t
		}
	}
	return state
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id"`
	CustomData     map[string]any `json:"custom_data"`
	BillingPeriod  *paddlePeriod  `json:"billing_period"`
	Checkout       *struct {
		URL string `json:"url"`
	} `json:"checkout"`
}

// paddleSDK adapts the Paddle SDK to paddleAPI.
type paddleSDK struct {
	client *paddle.SDK
}

func (p *paddleSDK) subscription(ctx context.Context, id string) (*paddleSubscription, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: id})
	if err != nil {
		return nil, paddleError(fmt.Errorf("failed to get paddle subscription: %w", err))
	}
	var out paddleSubscription
	if err := recode(sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *paddleSDK) transaction(ctx context.Context, id string) (*paddleTransaction, error) {
	txn, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{TransactionID: id})
	if err != nil {
		return nil, paddleError(fmt.Errorf("failed to get paddle transaction: %w", err))
	}
	var out paddleTransaction
	if err := recode(txn, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *paddleSDK) createTransaction(ctx context.Context, req CheckoutRequest) (*paddleTransaction, error) {
	// Create transaction item from catalog
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			metaAccountID: req.AccountID.String(),
			metaPlanID:    req.PlanID,
		},
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	txn, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, paddleError(fmt.Errorf("failed to create paddle transaction: %w", err))
	}
	var out paddleTransaction
	if err := recode(txn, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// customStrings keeps the string values of Paddle custom data.
// paddleError classifies Paddle API failures. The SDK decodes API errors
// without the HTTP status, so request errors are permanent unless Paddle
// reports a gateway failure or rate limiting.
func paddleError(err error) error {
	var pe *paddleerr.Error
	if errors.As(err, &pe) {
		transient := pe.Code == "bad_gateway" || pe.Code == "too_many_requests" || pe.Status == http.StatusTooManyRequests
		if !transient && (pe.Type == paddleerr.ErrorTypeRequestError || (pe.Status >= 400 && pe.Status < 500)) {
			return err
		}
	}
	return errors.Join(ErrProviderUnavailable, err)
}

func customStrings(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// recode converts an SDK response into a local wire struct.
func recode(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode paddle response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode paddle response: %w", err)
	}
	return nil
}
