package subscription_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

var (
	trialPlan = subscription.Plan{
		ID:        "trial",
		Name:      "Trial",
		TrialDays: 14,
		Interval:  subscription.BillingIntervalNone,
		Limits: map[subscription.Metric]int64{
			subscription.MetricConversations: 100,
			subscription.MetricWebsites:      1,
			subscription.MetricChatbots:      1,
		},
		Features: []subscription.Feature{subscription.FeatureLeadCapture},
	}
	starterPlan = subscription.Plan{
		ID:       "starter",
		Name:     "Starter",
		Public:   true,
		Interval: subscription.BillingIntervalMonthly,
		Price:    subscription.Money{Amount: 1900, Currency: "USD"},
		Limits: map[subscription.Metric]int64{
			subscription.MetricConversations: 500,
			subscription.MetricWebsites:      1,
			subscription.MetricChatbots:      2,
		},
		Features: []subscription.Feature{subscription.FeatureLeadCapture},
		PriceIDs: map[subscription.Provider]string{
			subscription.ProviderStripe: "price_starter",
			subscription.ProviderPaddle: "pri_starter",
		},
	}
	proPlan = subscription.Plan{
		ID:       "pro",
		Name:     "Pro",
		Public:   true,
		Interval: subscription.BillingIntervalMonthly,
		Price:    subscription.Money{Amount: 9900, Currency: "USD"},
		Limits: map[subscription.Metric]int64{
			subscription.MetricConversations: subscription.Unlimited,
			subscription.MetricWebsites:      5,
			subscription.MetricChatbots:      10,
		},
		Features: []subscription.Feature{
			subscription.FeatureLeadCapture,
			subscription.FeatureRemoveBranding,
			subscription.FeatureAPI,
		},
		PriceIDs: map[subscription.Provider]string{
			subscription.ProviderStripe: "price_pro",
			subscription.ProviderPaddle: "pri_pro",
		},
	}
)

// testClock is a settable time source shared by all components of a fixture.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	clock    *testClock
	storage  *subscription.MemoryStorage
	catalog  *subscription.Catalog
	store    *subscription.Store
	meter    *subscription.Meter
	ingestor *subscription.Ingestor
	metrics  *subscription.Metrics
}

type fixtureConfig struct {
	notifier subscription.Notifier
}

type fixtureOption func(*fixtureConfig)

func withNotifier(n subscription.Notifier) fixtureOption {
	return func(c *fixtureConfig) { c.notifier = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{notifier: subscription.NopNotifier{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	catalog, err := subscription.NewCatalog(context.Background(),
		subscription.NewInMemSource(trialPlan, starterPlan, proPlan), trialPlan.ID)
	require.NoError(t, err)

	f := &fixture{
		clock:   newTestClock(),
		storage: subscription.NewMemoryStorage(),
		catalog: catalog,
		metrics: subscription.NewMetrics(nil),
	}
	log := discardLogger()

	f.store = subscription.NewStore(f.storage, catalog,
		subscription.WithAuditLog(f.storage),
		subscription.WithStoreClock(f.clock.Now),
		subscription.WithStoreLogger(log),
		subscription.WithStoreMetrics(f.metrics),
		subscription.WithCASRetry(10, time.Millisecond),
	)
	f.meter = subscription.NewMeter(f.storage.Counters(), f.store, catalog,
		subscription.WithMeterClock(f.clock.Now),
		subscription.WithMeterLogger(log),
		subscription.WithMeterNotifier(cfg.notifier),
	)
	f.ingestor = subscription.NewIngestor(f.store, catalog, f.storage,
		subscription.WithIngestMeter(f.meter),
		subscription.WithIngestNotifier(cfg.notifier),
		subscription.WithIngestClock(f.clock.Now),
		subscription.WithIngestLogger(log),
		subscription.WithIngestMetrics(f.metrics),
	)
	return f
}

func (f *fixture) gate(opts ...subscription.GateOption) *subscription.Gate {
	opts = append([]subscription.GateOption{
		subscription.WithGateClock(f.clock.Now),
		subscription.WithGateLogger(discardLogger()),
		subscription.WithGateMetrics(f.metrics),
	}, opts...)
	return subscription.NewGate(f.store, f.catalog, f.meter, opts...)
}

// checkoutEvent builds a Stripe checkout completion for planID bound to subID.
func checkoutEvent(accountID uuid.UUID, eventID string, at time.Time, planID, subID string) subscription.BillingEvent {
	return subscription.BillingEvent{
		EventID:   eventID,
		Provider:  subscription.ProviderStripe,
		Type:      subscription.EventCheckoutCompleted,
		AccountID: accountID,
		PlanID:    planID,
		ProviderRef: subscription.ProviderRef{
			Provider:       subscription.ProviderStripe,
			CustomerID:     "cus_" + accountID.String()[:8],
			SubscriptionID: subID,
		},
		OccurredAt:  at,
		PeriodStart: at,
		PeriodEnd:   at.AddDate(0, 1, 0),
	}
}

func event(accountID uuid.UUID, eventID string, typ subscription.EventType, at time.Time, subID string) subscription.BillingEvent {
	return subscription.BillingEvent{
		EventID:   eventID,
		Provider:  subscription.ProviderStripe,
		Type:      typ,
		AccountID: accountID,
		ProviderRef: subscription.ProviderRef{
			Provider:       subscription.ProviderStripe,
			SubscriptionID: subID,
		},
		OccurredAt: at,
	}
}

// activate puts the account on planID through a checkout event.
func (f *fixture) activate(t *testing.T, accountID uuid.UUID, planID, subID string) *subscription.Subscription {
	t.Helper()
	out, err := f.ingestor.Ingest(context.Background(),
		checkoutEvent(accountID, "evt_checkout_"+subID, f.clock.Now(), planID, subID))
	require.NoError(t, err)
	require.True(t, out.Applied, out.String())
	return out.Subscription
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) UsageThreshold(ctx context.Context, alert subscription.UsageAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *mockNotifier) SubscriptionChanged(ctx context.Context, change subscription.StatusChange) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

// fakeAdapter is a scriptable ProviderAdapter.
type fakeAdapter struct {
	provider subscription.Provider

	mu        sync.Mutex
	states    map[string]*subscription.ProviderState
	checkouts map[string]*subscription.CheckoutState
	fetchErr  error
	requests  []subscription.CheckoutRequest
	block     bool
}

func newFakeAdapter(p subscription.Provider) *fakeAdapter {
	return &fakeAdapter{
		provider:  p,
		states:    make(map[string]*subscription.ProviderState),
		checkouts: make(map[string]*subscription.CheckoutState),
	}
}

func (a *fakeAdapter) Provider() subscription.Provider { return a.provider }

func (a *fakeAdapter) Normalize(context.Context, []byte, http.Header) (subscription.BillingEvent, error) {
	return subscription.BillingEvent{}, subscription.ErrValidation
}

func (a *fakeAdapter) FetchSubscription(_ context.Context, ref subscription.ProviderRef) (*subscription.ProviderState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	st, ok := a.states[ref.SubscriptionID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	cp := *st
	return &cp, nil
}

func (a *fakeAdapter) FetchCheckout(_ context.Context, sessionID string) (*subscription.CheckoutState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	st, ok := a.checkouts[sessionID]
	if !ok {
		return &subscription.CheckoutState{SessionID: sessionID}, nil
	}
	cp := *st
	return &cp, nil
}

func (a *fakeAdapter) CreateCheckout(ctx context.Context, req subscription.CheckoutRequest) (*subscription.CheckoutLink, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	block := a.block
	n := len(a.requests)
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sessionID := fmt.Sprintf("cs_%s_%d", a.provider, n)
	return &subscription.CheckoutLink{
		URL:       "https://checkout.example.com/" + sessionID,
		SessionID: sessionID,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (a *fakeAdapter) setState(st *subscription.ProviderState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[st.Ref.SubscriptionID] = st
}

func (a *fakeAdapter) setCheckout(st *subscription.CheckoutState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkouts[st.SessionID] = st
}

func (a *fakeAdapter) lastRequest() subscription.CheckoutRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}
