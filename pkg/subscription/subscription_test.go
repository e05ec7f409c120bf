package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

func TestSubscription_TrialDaysRemainingAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("returns 0 when not in trial", func(t *testing.T) {
		t.Parallel()
		trialEnd := now.Add(72 * time.Hour)
		sub := &subscription.Subscription{AccountID: uuid.New(), Status: subscription.StatusActive, TrialEnd: &trialEnd}
		assert.Equal(t, 0, sub.TrialDaysRemainingAt(now))
	})

	t.Run("returns 0 when trial has no end date", func(t *testing.T) {
		t.Parallel()
		sub := &subscription.Subscription{AccountID: uuid.New(), Status: subscription.StatusTrialing}
		assert.Equal(t, 0, sub.TrialDaysRemainingAt(now))
	})

	t.Run("returns 0 when trial has expired", func(t *testing.T) {
		t.Parallel()
		trialEnd := now.Add(-time.Hour)
		sub := &subscription.Subscription{Status: subscription.StatusTrialing, TrialEnd: &trialEnd}
		assert.Equal(t, 0, sub.TrialDaysRemainingAt(now))
	})

	t.Run("rounds partial days up past half a day", func(t *testing.T) {
		t.Parallel()
		trialEnd := now.Add(5*24*time.Hour + 13*time.Hour)
		sub := &subscription.Subscription{Status: subscription.StatusTrialing, TrialEnd: &trialEnd}
		assert.Equal(t, 6, sub.TrialDaysRemainingAt(now))
	})

	t.Run("rounds partial days down under half a day", func(t *testing.T) {
		t.Parallel()
		trialEnd := now.Add(5*24*time.Hour + 11*time.Hour)
		sub := &subscription.Subscription{Status: subscription.StatusTrialing, TrialEnd: &trialEnd}
		assert.Equal(t, 5, sub.TrialDaysRemainingAt(now))
	})
}

func TestSubscription_IsTrialExpiredAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		status subscription.Status
		end    *time.Time
		want   bool
	}{
		{name: "trialing past end", status: subscription.StatusTrialing, end: &past, want: true},
		{name: "trialing before end", status: subscription.StatusTrialing, end: &future, want: false},
		{name: "incomplete past end", status: subscription.StatusIncomplete, end: &past, want: true},
		{name: "active ignores trial end", status: subscription.StatusActive, end: &past, want: false},
		{name: "no trial end", status: subscription.StatusTrialing, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := &subscription.Subscription{Status: tt.status, TrialEnd: tt.end}
			assert.Equal(t, tt.want, sub.IsTrialExpiredAt(now))
		})
	}
}

func TestSubscription_Validate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ref := &subscription.ProviderRef{Provider: subscription.ProviderPaddle, SubscriptionID: "sub_01"}

	tests := []struct {
		name    string
		sub     subscription.Subscription
		wantErr bool
	}{
		{name: "trial without provider", sub: subscription.Subscription{AccountID: uuid.New(), PlanID: "trial", Status: subscription.StatusTrialing}},
		{name: "active with provider", sub: subscription.Subscription{AccountID: uuid.New(), PlanID: "pro", Status: subscription.StatusActive, ProviderRef: ref}},
		{name: "active without provider", sub: subscription.Subscription{AccountID: uuid.New(), PlanID: "pro", Status: subscription.StatusActive}, wantErr: true},
		{name: "missing account", sub: subscription.Subscription{PlanID: "trial", Status: subscription.StatusTrialing}, wantErr: true},
		{name: "missing plan", sub: subscription.Subscription{AccountID: uuid.New(), Status: subscription.StatusTrialing}, wantErr: true},
		{name: "unknown status", sub: subscription.Subscription{AccountID: uuid.New(), PlanID: "pro", Status: "paused", ProviderRef: ref}, wantErr: true},
		{
			name: "inverted period",
			sub: subscription.Subscription{
				AccountID: uuid.New(), PlanID: "pro", Status: subscription.StatusActive, ProviderRef: ref,
				PeriodStart: now, PeriodEnd: now.Add(-time.Hour),
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sub.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, subscription.ErrInvalidSubscriptionState)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSubscription_Clone(t *testing.T) {
	t.Parallel()

	trialEnd := time.Now()
	orig := &subscription.Subscription{
		AccountID:   uuid.New(),
		ProviderRef: &subscription.ProviderRef{Provider: subscription.ProviderStripe, SubscriptionID: "sub_1"},
		TrialEnd:    &trialEnd,
		LastEventAt: map[subscription.Provider]time.Time{subscription.ProviderStripe: trialEnd},
	}

	c := orig.Clone()
	c.ProviderRef.SubscriptionID = "sub_2"
	*c.TrialEnd = trialEnd.Add(time.Hour)
	c.LastEventAt[subscription.ProviderPaddle] = trialEnd

	assert.Equal(t, "sub_1", orig.ProviderRef.SubscriptionID)
	assert.True(t, orig.TrialEnd.Equal(trialEnd))
	assert.Len(t, orig.LastEventAt, 1)

	var nilSub *subscription.Subscription
	assert.Nil(t, nilSub.Clone())
}

func TestBillingEvent_Validate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	valid := subscription.BillingEvent{
		EventID:    "evt_1",
		Provider:   subscription.ProviderStripe,
		Type:       subscription.EventInvoicePaid,
		OccurredAt: now,
	}
	assert.NoError(t, valid.Validate())

	tests := map[string]func(ev *subscription.BillingEvent){
		"missing id":        func(ev *subscription.BillingEvent) { ev.EventID = "" },
		"unknown provider":  func(ev *subscription.BillingEvent) { ev.Provider = "braintree" },
		"missing time":      func(ev *subscription.BillingEvent) { ev.OccurredAt = time.Time{} },
		"unknown status":    func(ev *subscription.BillingEvent) { ev.Status = "frozen" },
		"ref from provider": func(ev *subscription.BillingEvent) { ev.ProviderRef.Provider = subscription.ProviderPaddle },
		"inverted period": func(ev *subscription.BillingEvent) {
			ev.PeriodStart = now
			ev.PeriodEnd = now.Add(-time.Hour)
		},
	}
	for name, breakIt := range tests {
		ev := valid
		breakIt(&ev)
		assert.ErrorIs(t, ev.Validate(), subscription.ErrValidation, name)
	}
}

func TestAccountIDContext(t *testing.T) {
	t.Parallel()

	_, ok := subscription.GetAccountIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = subscription.GetAccountIDFromContext(subscription.SetAccountIDToContext(context.Background(), uuid.Nil))
	assert.False(t, ok, "nil id is not an account")

	id := uuid.New()
	got, ok := subscription.GetAccountIDFromContext(subscription.SetAccountIDToContext(context.Background(), id))
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestSubscription_StatusPredicates(t *testing.T) {
	t.Parallel()

	sub := &subscription.Subscription{Status: subscription.StatusActive}
	assert.True(t, sub.IsActive())
	assert.False(t, sub.IsTrialing())
	assert.False(t, sub.IsCancelled())

	sub.Status = subscription.StatusTrialing
	assert.True(t, sub.IsTrialing())
	assert.False(t, sub.IsActive())
}
