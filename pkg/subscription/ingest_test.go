package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

func snapshotEvent(accountID uuid.UUID, eventID string, at time.Time, status subscription.Status, planID string, periodStart time.Time, cancelAtEnd bool) subscription.BillingEvent {
	ev := event(accountID, eventID, subscription.EventSubscriptionUpdated, at, "sub_1")
	ev.Status = status
	ev.PlanID = planID
	ev.PeriodStart = periodStart
	ev.PeriodEnd = periodStart.AddDate(0, 1, 0)
	ev.CancelAtPeriodEnd = &cancelAtEnd
	return ev
}

func TestIngestor_Ingest(t *testing.T) {
	t.Parallel()

	t.Run("checkout creates active subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		at := f.clock.Now()

		out, err := f.ingestor.Ingest(ctx, checkoutEvent(accountID, "evt_1", at, "starter", "sub_1"))
		require.NoError(t, err)
		require.True(t, out.Applied)

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, "starter", sub.PlanID)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, int64(1), sub.Version)
		require.NotNil(t, sub.ProviderRef)
		assert.Equal(t, "sub_1", sub.ProviderRef.SubscriptionID)
		assert.Equal(t, subscription.ProviderStripe, sub.ProviderRef.Provider)
		last, ok := sub.LastEventFrom(subscription.ProviderStripe)
		assert.True(t, ok)
		assert.True(t, last.Equal(at))

		trail := f.storage.AuditTrail(accountID)
		require.Len(t, trail, 1)
		assert.Equal(t, "evt_1", trail[0].EventID)
		assert.Equal(t, int64(1), trail[0].Version)

		rec, seen, err := f.storage.Lookup(ctx, subscription.ProviderStripe, "evt_1")
		require.NoError(t, err)
		assert.True(t, seen)
		assert.True(t, rec.Applied)
		assert.Equal(t, accountID, rec.AccountID)
	})

	t.Run("checkout snapshots next period limits", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		accountID := uuid.New()

		sub := f.activate(t, accountID, "starter", "sub_1")

		counter, err := f.storage.Counters().Get(context.Background(), subscription.CounterKey{
			AccountID:   accountID,
			Metric:      subscription.MetricConversations,
			PeriodStart: sub.PeriodEnd,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(500), counter.Limit)
		assert.Zero(t, counter.Used)
	})

	t.Run("plan resolved from provider price id", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		accountID := uuid.New()

		out, err := f.ingestor.Ingest(context.Background(),
			checkoutEvent(accountID, "evt_1", f.clock.Now(), "price_pro", "sub_1"))
		require.NoError(t, err)
		require.True(t, out.Applied)
		assert.Equal(t, "pro", out.Subscription.PlanID)
	})

	t.Run("invalid event is rejected and not recorded", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ev := checkoutEvent(uuid.New(), "", f.clock.Now(), "starter", "sub_1")

		_, err := f.ingestor.Ingest(context.Background(), ev)
		require.Error(t, err)
		assert.ErrorIs(t, err, subscription.ErrValidation)
	})

	t.Run("unhandled event type is ignored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ev := event(uuid.New(), "evt_1", subscription.EventType("customer.created"), f.clock.Now(), "")

		out, err := f.ingestor.Ingest(context.Background(), ev)
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Equal(t, subscription.ReasonUnhandled, out.Reason)
	})

	t.Run("unknown account is ignored and recorded", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		ev := event(uuid.Nil, "evt_1", subscription.EventInvoicePaid, f.clock.Now(), "sub_unknown")

		out, err := f.ingestor.Ingest(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, subscription.ReasonUnknownAccount, out.Reason)

		rec, seen, err := f.storage.Lookup(ctx, subscription.ProviderStripe, "evt_1")
		require.NoError(t, err)
		assert.True(t, seen)
		assert.False(t, rec.Applied)
		assert.Equal(t, subscription.ReasonUnknownAccount, rec.Reason)
	})

	t.Run("unknown plan is ignored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		accountID := uuid.New()

		out, err := f.ingestor.Ingest(context.Background(),
			checkoutEvent(accountID, "evt_1", f.clock.Now(), "enterprise", "sub_1"))
		require.NoError(t, err)
		assert.Equal(t, subscription.ReasonUnknownPlan, out.Reason)

		_, err = f.store.Get(context.Background(), accountID)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("account resolved through provider reference", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		accountID := uuid.New()
		f.activate(t, accountID, "starter", "sub_1")

		ev := event(uuid.Nil, "evt_2", subscription.EventInvoiceFailed, f.clock.Now().Add(time.Hour), "sub_1")
		out, err := f.ingestor.Ingest(context.Background(), ev)
		require.NoError(t, err)
		require.True(t, out.Applied)
		assert.Equal(t, accountID, out.Subscription.AccountID)
		assert.Equal(t, subscription.StatusPastDue, out.Subscription.Status)
	})

	t.Run("event for another provider subscription is ignored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		accountID := uuid.New()
		f.activate(t, accountID, "starter", "sub_1")

		ev := event(accountID, "evt_2", subscription.EventInvoiceFailed, f.clock.Now().Add(time.Hour), "sub_other")
		out, err := f.ingestor.Ingest(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, subscription.ReasonForeignRef, out.Reason)
	})

	t.Run("state breaking event is ignored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ev := event(uuid.New(), "evt_1", subscription.EventSubscriptionUpdated, f.clock.Now(), "sub_1")
		ev.PlanID = "starter"

		out, err := f.ingestor.Ingest(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, subscription.ReasonInvalidState, out.Reason)
	})

	t.Run("ledger failure is returned", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ledgerErr := errors.New("ledger down")
		ingestor := subscription.NewIngestor(f.store, f.catalog, failingLedger{err: ledgerErr},
			subscription.WithIngestLogger(discardLogger()))

		_, err := ingestor.Ingest(context.Background(),
			checkoutEvent(uuid.New(), "evt_1", f.clock.Now(), "starter", "sub_1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ledgerErr)
	})
}

type failingLedger struct {
	err error
}

func (l failingLedger) Lookup(context.Context, subscription.Provider, string) (subscription.AppliedEvent, bool, error) {
	return subscription.AppliedEvent{}, false, l.err
}

func (l failingLedger) Record(context.Context, subscription.AppliedEvent) error {
	return l.err
}

func TestIngestor_Duplicates(t *testing.T) {
	t.Parallel()

	t.Run("replay is a no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		ev := checkoutEvent(accountID, "evt_1", f.clock.Now(), "starter", "sub_1")

		first, err := f.ingestor.Ingest(ctx, ev)
		require.NoError(t, err)
		require.True(t, first.Applied)

		second, err := f.ingestor.Ingest(ctx, ev)
		require.NoError(t, err)
		assert.False(t, second.Applied)
		assert.Equal(t, subscription.ReasonDuplicate, second.Reason)

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), sub.Version)
		assert.Len(t, f.storage.AuditTrail(accountID), 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(
			f.metrics.EventsTotal.WithLabelValues("stripe", "checkout_completed", "duplicate")))
	})

	t.Run("concurrent deliveries apply once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		ev := checkoutEvent(accountID, "evt_1", f.clock.Now(), "starter", "sub_1")

		const deliveries = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
			errs    []error
		)
		for range deliveries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := f.ingestor.Ingest(ctx, ev)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if out.Applied {
					applied++
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, errs)
		assert.LessOrEqual(t, applied, 1)

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), sub.Version)
		assert.Len(t, f.storage.AuditTrail(accountID), 1)
	})
}

func TestIngestor_Ordering(t *testing.T) {
	t.Parallel()

	t.Run("older event after newer is stale", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		t0 := f.clock.Now()
		f.activate(t, accountID, "starter", "sub_1")

		t2 := snapshotEvent(accountID, "evt_t2", t0.Add(2*time.Hour), subscription.StatusActive, "pro", t0, false)
		t1 := snapshotEvent(accountID, "evt_t1", t0.Add(time.Hour), subscription.StatusPastDue, "starter", t0, true)

		out, err := f.ingestor.Ingest(ctx, t2)
		require.NoError(t, err)
		require.True(t, out.Applied)

		out, err = f.ingestor.Ingest(ctx, t1)
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Equal(t, subscription.ReasonStale, out.Reason)

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, "pro", sub.PlanID)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.False(t, sub.CancelAtPeriodEnd)
	})

	t.Run("any arrival order yields the same state", func(t *testing.T) {
		t.Parallel()
		base := newTestClock().Now()
		accountID := uuid.New()
		renewal := base.AddDate(0, 1, 0)

		events := []subscription.BillingEvent{
			snapshotEvent(accountID, "evt_a", base.Add(time.Hour), subscription.StatusPastDue, "starter", base, false),
			snapshotEvent(accountID, "evt_b", base.Add(2*time.Hour), subscription.StatusActive, "pro", base, false),
			snapshotEvent(accountID, "evt_c", base.Add(3*time.Hour), subscription.StatusActive, "pro", renewal, true),
		}
		orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

		var want *subscription.Subscription
		for _, order := range orders {
			f := newFixture(t)
			ctx := context.Background()
			f.activate(t, accountID, "starter", "sub_1")
			for _, idx := range order {
				_, err := f.ingestor.Ingest(ctx, events[idx])
				require.NoError(t, err)
			}

			got, err := f.store.Get(ctx, accountID)
			require.NoError(t, err)
			if want == nil {
				want = got
				continue
			}
			assert.Equal(t, want.Status, got.Status, "order %v", order)
			assert.Equal(t, want.PlanID, got.PlanID, "order %v", order)
			assert.True(t, want.PeriodStart.Equal(got.PeriodStart), "order %v", order)
			assert.True(t, want.PeriodEnd.Equal(got.PeriodEnd), "order %v", order)
			assert.Equal(t, want.CancelAtPeriodEnd, got.CancelAtPeriodEnd, "order %v", order)
			assert.Equal(t, want.ProviderRef, got.ProviderRef, "order %v", order)
			assert.Equal(t, want.LastEventAt, got.LastEventAt, "order %v", order)
		}

		assert.Equal(t, "pro", want.PlanID)
		assert.True(t, want.CancelAtPeriodEnd)
		assert.True(t, want.PeriodStart.Equal(renewal))
	})

	t.Run("snapshots and invoices in any order yield the same state", func(t *testing.T) {
		t.Parallel()
		base := newTestClock().Now()
		accountID := uuid.New()
		renewal := base.AddDate(0, 1, 0)

		upgrade := snapshotEvent(accountID, "evt_upgrade", base.Add(time.Hour), subscription.StatusActive, "pro", base, false)
		paid := event(accountID, "evt_paid", subscription.EventInvoicePaid, base.Add(time.Hour+time.Second), "sub_1")
		failed := event(accountID, "evt_failed", subscription.EventInvoiceFailed, base.Add(2*time.Hour), "sub_1")
		renewed := snapshotEvent(accountID, "evt_renewed", base.Add(3*time.Hour), subscription.StatusActive, "pro", renewal, false)

		cases := []struct {
			name       string
			events     []subscription.BillingEvent
			wantStatus subscription.Status
			wantStart  time.Time
		}{
			{"upgrade then payment", []subscription.BillingEvent{upgrade, paid}, subscription.StatusActive, base},
			{"failed payment after upgrade", []subscription.BillingEvent{upgrade, paid, failed}, subscription.StatusPastDue, base},
			{"renewal after failed payment", []subscription.BillingEvent{upgrade, paid, failed, renewed}, subscription.StatusActive, renewal},
		}
		for _, tc := range cases {
			for _, order := range permutations(len(tc.events)) {
				f := newFixture(t)
				ctx := context.Background()
				f.activate(t, accountID, "starter", "sub_1")
				for _, idx := range order {
					_, err := f.ingestor.Ingest(ctx, tc.events[idx])
					require.NoError(t, err)
				}

				got, err := f.store.Get(ctx, accountID)
				require.NoError(t, err)
				assert.Equal(t, "pro", got.PlanID, "%s %v", tc.name, order)
				assert.Equal(t, tc.wantStatus, got.Status, "%s %v", tc.name, order)
				assert.True(t, tc.wantStart.Equal(got.PeriodStart), "%s %v", tc.name, order)
			}
		}
	})

	t.Run("invoice older than newest invoice is stale", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		t0 := f.clock.Now()
		f.activate(t, accountID, "starter", "sub_1")

		out, err := f.ingestor.Ingest(ctx, event(accountID, "evt_paid", subscription.EventInvoicePaid, t0.Add(2*time.Hour), "sub_1"))
		require.NoError(t, err)
		require.True(t, out.Applied)

		out, err = f.ingestor.Ingest(ctx, event(accountID, "evt_failed", subscription.EventInvoiceFailed, t0.Add(time.Hour), "sub_1"))
		require.NoError(t, err)
		assert.Equal(t, subscription.ReasonStale, out.Reason)

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		last, ok := sub.LastInvoiceFrom(subscription.ProviderStripe)
		assert.True(t, ok)
		assert.True(t, last.Equal(t0.Add(2*time.Hour)))
		snap, _ := sub.LastEventFrom(subscription.ProviderStripe)
		assert.True(t, snap.Equal(t0), "invoices do not move the snapshot watermark")
	})

	t.Run("identical state with same timestamp is no change", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		t0 := f.clock.Now()
		f.activate(t, accountID, "starter", "sub_1")

		ev := snapshotEvent(accountID, "evt_same", t0, subscription.StatusActive, "starter", t0, false)
		out, err := f.ingestor.Ingest(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, subscription.ReasonNoChange, out.Reason)
	})
}

func TestIngestor_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("cancelled is terminal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		t0 := f.clock.Now()
		f.activate(t, accountID, "starter", "sub_1")

		out, err := f.ingestor.Ingest(ctx,
			event(accountID, "evt_cancel", subscription.EventSubscriptionCancelled, t0.Add(time.Hour), "sub_1"))
		require.NoError(t, err)
		require.True(t, out.Applied)
		assert.Equal(t, subscription.StatusCancelled, out.Subscription.Status)
		require.NotNil(t, out.Subscription.CancelledAt)
		assert.False(t, out.Subscription.CancelAtPeriodEnd)

		for i, ev := range []subscription.BillingEvent{
			event(accountID, "evt_paid", subscription.EventInvoicePaid, t0.Add(2*time.Hour), "sub_1"),
			snapshotEvent(accountID, "evt_update", t0.Add(3*time.Hour), subscription.StatusActive, "pro", t0, false),
			checkoutEvent(accountID, "evt_same_checkout", t0.Add(4*time.Hour), "pro", "sub_1"),
		} {
			out, err := f.ingestor.Ingest(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, subscription.ReasonTerminal, out.Reason, "event %d", i)
		}

		sub, err := f.store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCancelled, sub.Status)
		assert.Equal(t, "starter", sub.PlanID)
	})

	t.Run("checkout for a new provider subscription starts a new generation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		accountID := uuid.New()
		t0 := f.clock.Now()
		f.activate(t, accountID, "starter", "sub_1")

		cancelled, err := f.ingestor.Ingest(ctx,
			event(accountID, "evt_cancel", subscription.EventSubscriptionCancelled, t0.Add(time.Hour), "sub_1"))
		require.NoError(t, err)
		require.True(t, cancelled.Applied)

		out, err := f.ingestor.Ingest(ctx, checkoutEvent(accountID, "evt_new", t0.Add(2*time.Hour), "pro", "sub_2"))
		require.NoError(t, err)
		require.True(t, out.Applied)

		sub := out.Subscription
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, "pro", sub.PlanID)
		assert.Equal(t, "sub_2", sub.ProviderRef.SubscriptionID)
		assert.Nil(t, sub.CancelledAt)
		assert.Greater(t, sub.Version, cancelled.Subscription.Version)
	})
}

func TestIngestor_Notifications(t *testing.T) {
	t.Parallel()

	n := &mockNotifier{}
	f := newFixture(t, withNotifier(n))
	ctx := context.Background()
	accountID := uuid.New()

	n.On("SubscriptionChanged", mock.Anything, mock.MatchedBy(func(c subscription.StatusChange) bool {
		return c.AccountID == accountID && c.FromStatus == "" && c.ToStatus == subscription.StatusActive && c.ToPlan == "starter"
	})).Return(nil).Once()
	n.On("SubscriptionChanged", mock.Anything, mock.MatchedBy(func(c subscription.StatusChange) bool {
		return c.FromStatus == subscription.StatusActive && c.ToStatus == subscription.StatusPastDue
	})).Return(errors.New("smtp down")).Once()

	f.activate(t, accountID, "starter", "sub_1")

	out, err := f.ingestor.Ingest(ctx,
		event(accountID, "evt_failed", subscription.EventInvoiceFailed, f.clock.Now().Add(time.Hour), "sub_1"))
	require.NoError(t, err)
	assert.True(t, out.Applied, "notification failures never block ingestion")

	n.AssertExpectations(t)
}

// permutations returns every ordering of the indexes 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, rest := range permutations(n - 1) {
		for pos := 0; pos <= len(rest); pos++ {
			order := make([]int, 0, n)
			order = append(order, rest[:pos]...)
			order = append(order, n-1)
			order = append(order, rest[pos:]...)
			out = append(out, order)
		}
	}
	return out
}
