package subscription

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ProviderRef binds a subscription to its record at a billing provider.
type ProviderRef struct {
	Provider       Provider `json:"provider"`
	CustomerID     string   `json:"customer_id"`
	SubscriptionID string   `json:"subscription_id"`
}

// Subscription represents an account's subscription to a plan.
// Each account has exactly one subscription record, so AccountID is the key.
type Subscription struct {
	AccountID         uuid.UUID // primary key - one subscription per account
	PlanID            string
	Status            Status
	ProviderRef       *ProviderRef // nil until the first checkout
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CancelledAt       *time.Time
	// LastEventAt holds the occurrence time of the newest applied snapshot
	// event per provider, LastInvoiceAt the newest applied invoice event.
	LastEventAt   map[Provider]time.Time
	LastInvoiceAt map[Provider]time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// IsTrialExpiredAt reports whether the trial window has closed at now.
// Only subscriptions that never reached a paid status can expire this way.
func (s *Subscription) IsTrialExpiredAt(now time.Time) bool {
	if s.TrialEnd == nil {
		return false
	}
	if s.Status != StatusTrialing && s.Status != StatusIncomplete {
		return false
	}
	return !now.Before(*s.TrialEnd)
}

// TrialDaysRemainingAt returns the number of days remaining in the trial at a given time.
// Returns 0 if not in trial or trial has expired.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if !s.IsTrialing() || s.TrialEnd == nil {
		return 0
	}

	remaining := s.TrialEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}

	// Round to the nearest whole day.
	days := remaining.Hours() / 24
	return int(days + 0.5)
}

// LastEventFrom returns the time of the newest applied snapshot event from provider.
func (s *Subscription) LastEventFrom(p Provider) (time.Time, bool) {
	t, ok := s.LastEventAt[p]
	return t, ok
}

// LastInvoiceFrom returns the time of the newest applied invoice event from provider.
func (s *Subscription) LastInvoiceFrom(p Provider) (time.Time, bool) {
	t, ok := s.LastInvoiceAt[p]
	return t, ok
}

// Provider returns the bound provider or an empty value.
func (s *Subscription) Provider() Provider {
	if s.ProviderRef == nil {
		return ""
	}
	return s.ProviderRef.Provider
}

// Validate checks the record invariants enforced on every write.
func (s *Subscription) Validate() error {
	if s.AccountID == uuid.Nil {
		return fmt.Errorf("%w: account id is required", ErrInvalidSubscriptionState)
	}
	if s.PlanID == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidSubscriptionState)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSubscriptionState, s.Status)
	}
	if s.Status != StatusTrialing {
		if s.ProviderRef == nil || !s.ProviderRef.Provider.Valid() {
			return fmt.Errorf("%w: status %s requires a provider reference", ErrInvalidSubscriptionState, s.Status)
		}
	}
	if !s.PeriodStart.IsZero() && !s.PeriodEnd.IsZero() && !s.PeriodEnd.After(s.PeriodStart) {
		return fmt.Errorf("%w: period end %s is not after start %s",
			ErrInvalidSubscriptionState, s.PeriodEnd, s.PeriodStart)
	}
	return nil
}

// Clone returns a deep copy, so mutations never alias stored state.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.ProviderRef != nil {
		ref := *s.ProviderRef
		c.ProviderRef = &ref
	}
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		c.TrialEnd = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		c.CancelledAt = &t
	}
	c.LastEventAt = maps.Clone(s.LastEventAt)
	c.LastInvoiceAt = maps.Clone(s.LastInvoiceAt)
	return &c
}

// sameState reports whether two records carry the same billing state,
// ignoring versioning and bookkeeping fields.
func sameState(a, b *Subscription) bool {
	if a.PlanID != b.PlanID || a.Status != b.Status || a.CancelAtPeriodEnd != b.CancelAtPeriodEnd {
		return false
	}
	if !a.PeriodStart.Equal(b.PeriodStart) || !a.PeriodEnd.Equal(b.PeriodEnd) {
		return false
	}
	if (a.ProviderRef == nil) != (b.ProviderRef == nil) {
		return false
	}
	if a.ProviderRef != nil && *a.ProviderRef != *b.ProviderRef {
		return false
	}
	if (a.TrialEnd == nil) != (b.TrialEnd == nil) {
		return false
	}
	return a.TrialEnd == nil || a.TrialEnd.Equal(*b.TrialEnd)
}
