package subscription

// Metric identifies a quota-bound resource of an account.
type Metric string

const (
	// MetricConversations is a consumable stream metered per billing period.
	MetricConversations Metric = "conversations"
	// MetricWebsites and MetricChatbots are cardinality resources counted live.
	MetricWebsites Metric = "websites"
	MetricChatbots Metric = "chatbots"
)

// Consumable reports whether the metric is metered through usage counters
// rather than counted from the live resource table.
func (m Metric) Consumable() bool {
	return m == MetricConversations
}

// Valid reports whether m is one of the known metrics.
func (m Metric) Valid() bool {
	switch m {
	case MetricConversations, MetricWebsites, MetricChatbots:
		return true
	}
	return false
}

// AllMetrics lists every metric in a stable order.
func AllMetrics() []Metric {
	return []Metric{MetricConversations, MetricWebsites, MetricChatbots}
}

const (
	// Unlimited indicates no limit for a metric (-1 chosen for SQL compatibility)
	Unlimited int64 = -1
)

// Feature represents a plan-specific capability that can be enabled/disabled.
type Feature string

const (
	FeatureRemoveBranding Feature = "remove_branding"
	FeatureCustomDomain   Feature = "custom_domain"
	FeatureAPI            Feature = "api"
	FeatureAnalytics      Feature = "analytics"
	FeatureLeadCapture    Feature = "lead_capture"
	FeatureHumanHandoff   Feature = "human_handoff"
	FeaturePriorityModels Feature = "priority_models"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount"`   // Amount in smallest currency unit (cents for USD)
	Currency string `yaml:"currency"` // ISO 4217 currency code
}

// BillingInterval represents the billing frequency for a subscription plan.
type BillingInterval string

const (
	BillingIntervalNone    BillingInterval = "none" // Free plans with no billing
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalAnnual  BillingInterval = "annual"
)

// Status represents the current state of a subscription.
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCancelled  Status = "cancelled"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
)

// Valid reports whether s is a known subscription status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCancelled, StatusUnpaid, StatusIncomplete:
		return true
	}
	return false
}

// Ambiguous reports whether the status may lag behind the provider of record
// and is therefore a reconciliation candidate.
func (s Status) Ambiguous() bool {
	switch s {
	case StatusIncomplete, StatusPastDue, StatusUnpaid:
		return true
	}
	return false
}

// Provider names an external billing system of record.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPaddle Provider = "paddle"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderPaddle
}

// CheckoutOptions contains options for creating a checkout session.
type CheckoutOptions struct {
	Email      string // Pre-fill billing email if known
	SuccessURL string // Redirect after successful payment
	CancelURL  string // Redirect if customer cancels
}
