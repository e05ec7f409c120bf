package subscription_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

func constCounter(n *atomic.Int64) subscription.ResourceCounterFunc {
	return func(context.Context, uuid.UUID) (int64, error) {
		return n.Load(), nil
	}
}

type tableCounter map[subscription.Metric]int64

func (c tableCounter) Count(_ context.Context, _ uuid.UUID, m subscription.Metric) (int64, error) {
	return c[m], nil
}

func TestGate_ImplicitTrial(t *testing.T) {
	t.Parallel()

	t.Run("first check creates trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		gate := f.gate()

		ok, err := gate.CanProceed(ctx, accountID, subscription.KindConversation)
		require.NoError(t, err)
		assert.True(t, ok)

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusTrialing, sub.Status)
		assert.Equal(t, "trial", sub.PlanID)
		assert.Nil(t, sub.ProviderRef)
		require.NotNil(t, sub.TrialEnd)
		assert.True(t, sub.TrialEnd.Equal(f.clock.Now().AddDate(0, 0, 14)))
		assert.Equal(t, 14, sub.TrialDaysRemainingAt(f.clock.Now()))
	})

	t.Run("concurrent first checks create one record", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		gate := f.gate()

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := gate.Check(ctx, accountID, subscription.KindConversation)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), sub.Version)

		usage, err := f.meter.Current(ctx, accountID, subscription.MetricConversations)
		require.NoError(t, err)
		assert.Equal(t, int64(10), usage.Used)
	})

	t.Run("expired trial is denied", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		gate := f.gate()

		_, err := gate.Check(ctx, accountID, subscription.KindConversation)
		require.NoError(t, err)

		f.clock.Advance(15 * 24 * time.Hour)

		d, err := gate.Check(ctx, accountID, subscription.KindConversation)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, subscription.DenyTrialExpired, d.Reason)
		assert.ErrorIs(t, d.Err(), subscription.ErrQuotaExceeded)
		assert.True(t, subscription.IsQuotaExceeded(d.Err()))
		assert.Equal(t, float64(1), testutil.ToFloat64(
			f.metrics.GateDecisionsTotal.WithLabelValues("conversation", subscription.DenyTrialExpired)))
	})
}

func TestGate_Conversations(t *testing.T) {
	t.Parallel()

	t.Run("starter account at 499 admits exactly one of many", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		f.activate(t, accountID, "starter", "sub_1")
		gate := f.gate()

		_, err := f.meter.CheckAndIncrement(ctx, accountID, subscription.MetricConversations, 499)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			allowed atomic.Int32
			denied  atomic.Int32
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := gate.Check(ctx, accountID, subscription.KindConversation)
				if !assert.NoError(t, err) {
					return
				}
				if d.Allowed {
					allowed.Add(1)
					return
				}
				if d.Reason == subscription.DenyQuota {
					denied.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), allowed.Load())
		assert.Equal(t, int32(19), denied.Load())
	})

	t.Run("denial carries usage", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		f.activate(t, accountID, "starter", "sub_1")
		gate := f.gate()

		_, err := f.meter.CheckAndIncrement(ctx, accountID, subscription.MetricConversations, 500)
		require.NoError(t, err)

		d, err := gate.Check(ctx, accountID, subscription.KindConversation)
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		var qe *subscription.QuotaExceededError
		require.ErrorAs(t, d.Err(), &qe)
		assert.Equal(t, subscription.MetricConversations, qe.Metric)
		assert.Equal(t, int64(500), qe.Used)
		assert.Equal(t, int64(500), qe.Limit)
	})
}

func TestGate_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     subscription.Status
		wantAllow  bool
		wantReason string
	}{
		{name: "active", status: subscription.StatusActive, wantAllow: true},
		{name: "past due keeps access", status: subscription.StatusPastDue, wantAllow: true},
		{name: "unpaid", status: subscription.StatusUnpaid, wantReason: subscription.DenyUnpaid},
		{name: "cancelled", status: subscription.StatusCancelled, wantReason: subscription.DenyCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			accountID := uuid.New()
			start := f.clock.Now()
			f.activate(t, accountID, "starter", "sub_1")

			ev := snapshotEvent(accountID, "evt_status", start.Add(time.Minute), tt.status, "starter", start, false)
			if tt.status == subscription.StatusCancelled {
				ev.Type = subscription.EventSubscriptionCancelled
			}
			_, err := f.ingestor.Ingest(ctx, ev)
			require.NoError(t, err)

			d, err := f.gate().Check(ctx, accountID, subscription.KindConversation)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllow, d.Allowed)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestGate_CardinalityResources(t *testing.T) {
	t.Parallel()

	t.Run("denies at limit", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		f.activate(t, accountID, "starter", "sub_1")

		var websites atomic.Int64
		gate := f.gate(subscription.WithCounter(subscription.MetricWebsites, constCounter(&websites)))

		d, err := gate.Check(ctx, accountID, subscription.KindWebsite)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		websites.Store(1)
		d, err = gate.Check(ctx, accountID, subscription.KindWebsite)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, subscription.DenyQuota, d.Reason)
		assert.Equal(t, int64(1), d.Used)
		assert.Equal(t, int64(1), d.Limit)
	})

	t.Run("falls back to resource counter", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		f.activate(t, accountID, "pro", "sub_1")

		gate := f.gate(subscription.WithResourceCounter(tableCounter{subscription.MetricChatbots: 10}))
		d, err := gate.Check(ctx, accountID, subscription.KindChatbot)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(10), d.Limit)
	})

	t.Run("missing counter is an error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.gate().Check(context.Background(), uuid.New(), subscription.KindChatbot)
		assert.ErrorIs(t, err, subscription.ErrNoResourceCounter)
	})

	t.Run("unknown kind is an error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.gate().Check(context.Background(), uuid.New(), subscription.ResourceKind("widget"))
		assert.ErrorIs(t, err, subscription.ErrInvalidMetric)
	})

	t.Run("counter registration panics", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		var n atomic.Int64

		assert.Panics(t, func() {
			f.gate(subscription.WithCounter(subscription.MetricConversations, constCounter(&n)))
		})
		assert.Panics(t, func() {
			f.gate(
				subscription.WithCounter(subscription.MetricWebsites, constCounter(&n)),
				subscription.WithCounter(subscription.MetricWebsites, constCounter(&n)),
			)
		})
	})
}

func TestGate_HasFeature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	gate := f.gate()

	trialAccount := uuid.New()
	assert.True(t, gate.HasFeature(ctx, trialAccount, subscription.FeatureLeadCapture))
	assert.False(t, gate.HasFeature(ctx, trialAccount, subscription.FeatureAPI))

	proAccount := uuid.New()
	f.activate(t, proAccount, "pro", "sub_pro")
	assert.True(t, gate.HasFeature(ctx, proAccount, subscription.FeatureAPI))

	_, err := f.ingestor.Ingest(ctx, event(proAccount, "evt_cancel",
		subscription.EventSubscriptionCancelled, f.clock.Now().Add(time.Minute), "sub_pro"))
	require.NoError(t, err)
	assert.False(t, gate.HasFeature(ctx, proAccount, subscription.FeatureAPI))
}

func TestGate_Usage(t *testing.T) {
	t.Parallel()

	t.Run("reports active account", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		f.activate(t, accountID, "starter", "sub_1")

		_, err := f.meter.CheckAndIncrement(ctx, accountID, subscription.MetricConversations, 125)
		require.NoError(t, err)

		gate := f.gate(subscription.WithResourceCounter(tableCounter{
			subscription.MetricWebsites: 1,
			subscription.MetricChatbots: 1,
		}))
		report, err := gate.Usage(ctx, accountID)
		require.NoError(t, err)

		assert.Equal(t, "starter", report.PlanID)
		assert.Equal(t, subscription.StatusActive, report.Status)
		assert.Equal(t, subscription.UsageInfo{Used: 125, Limit: 500, Percentage: 25},
			report.Usage[subscription.MetricConversations])
		assert.Equal(t, subscription.UsageInfo{Used: 1, Limit: 1, Percentage: 100},
			report.Usage[subscription.MetricWebsites])
		assert.Equal(t, subscription.UsageInfo{Used: 1, Limit: 2, Percentage: 50},
			report.Usage[subscription.MetricChatbots])
	})

	t.Run("reports unknown account on trial without creating it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()

		report, err := f.gate().Usage(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, "trial", report.PlanID)
		assert.Equal(t, subscription.StatusTrialing, report.Status)
		assert.Equal(t, 14, report.TrialDaysRemaining)
		assert.Equal(t, int64(100), report.Usage[subscription.MetricConversations].Limit)

		_, err = f.store.Get(ctx, accountID)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})
}

func TestGate_CanDowngrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.activate(t, accountID, "pro", "sub_1")

	var websites atomic.Int64
	websites.Store(3)
	gate := f.gate(subscription.WithCounter(subscription.MetricWebsites, constCounter(&websites)))

	err := gate.CanDowngrade(ctx, accountID, "starter")
	require.Error(t, err)
	assert.ErrorIs(t, err, subscription.ErrDowngradeNotPossible)

	websites.Store(1)
	assert.NoError(t, gate.CanDowngrade(ctx, accountID, "starter"))

	assert.ErrorIs(t, gate.CanDowngrade(ctx, accountID, "enterprise"), subscription.ErrPlanNotFound)
}
