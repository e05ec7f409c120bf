package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load subscription plans")

	ErrSubscriptionNotFound     = errors.New("subscription not found")
	ErrAlreadySubscribed        = errors.New("account already subscribed to this plan")
	ErrInvalidSubscriptionState = errors.New("invalid subscription state")
	ErrTerminalState            = errors.New("subscription is cancelled")

	// ErrValidation marks malformed or unsigned provider payloads. They are rejected, never ingested.
	ErrValidation = errors.New("billing event validation failed")
	// ErrDuplicateEvent is returned by an EventLedger when the event is already recorded.
	ErrDuplicateEvent = errors.New("billing event already processed")
	// ErrVersionConflict is returned by a compare-and-swap that lost a race.
	ErrVersionConflict = errors.New("subscription version conflict")
	// ErrTransientFailure is surfaced once bounded CAS retries are exhausted.
	ErrTransientFailure = errors.New("transient subscription store failure")
	// ErrQuotaExceeded is an expected business outcome, not a system failure.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrProviderUnavailable wraps network failures and timeouts talking to a billing provider.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	ErrCounterNotFound      = errors.New("usage counter not found")
	ErrInvalidMetric        = errors.New("invalid usage metric")
	ErrInvalidAmount        = errors.New("usage amount must be positive")
	ErrNoResourceCounter    = errors.New("no resource counter configured")
	ErrUnknownProvider      = errors.New("unknown billing provider")
	ErrDowngradeNotPossible = errors.New("subscription downgrade not possible")

	// Provider-specific errors
	ErrMissingAPIKey             = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret      = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnv        = errors.New("invalid billing provider environment")
	ErrWebhookVerificationFailed = errors.New("webhook signature verification failed")
	ErrNoCheckoutURL             = errors.New("no checkout URL returned from provider")
	ErrMissingPriceID            = errors.New("price ID is required")
	ErrMissingProviderRef        = errors.New("provider reference is required")
)

// Denial reasons reported by the gate.
const (
	DenyQuota        = "quota_exceeded"
	DenyCancelled    = "subscription_cancelled"
	DenyUnpaid       = "subscription_unpaid"
	DenyTrialExpired = "trial_expired"
)

// QuotaExceededError is the typed denial returned to callers of the gate.
// It matches ErrQuotaExceeded with errors.Is.
type QuotaExceededError struct {
	Metric Metric
	Reason string
	Used   int64
	Limit  int64
}

func (e *QuotaExceededError) Error() string {
	if e.Reason != "" && e.Reason != DenyQuota {
		return fmt.Sprintf("quota exceeded for %s: %s", e.Metric, e.Reason)
	}
	return fmt.Sprintf("quota exceeded for %s: used %d of %d", e.Metric, e.Used, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IsQuotaExceeded reports whether err is a quota denial.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
