// Package subscription is the billing core of a chatbot SaaS: it keeps one
// subscription record per account in sync with external billing providers
// (Stripe, Paddle) and gates quota-bound actions against the account's plan.
//
// # Architecture
//
// Every state change flows through a small set of components:
//
//   - Catalog: static table of plans loaded from YAML or memory
//   - Store: the only writer of Subscription records (compare-and-swap on Version)
//   - Ingestor: applies normalized BillingEvents exactly once
//   - Meter: owns per-period usage counters with an atomic check-and-increment
//   - Gate: answers "may this account create one more X?"
//   - Checkout: starts hosted checkouts at the provider
//   - Reconciler: pulls provider-of-record state to repair missed events
//
// Provider specifics live behind ProviderAdapter. Webhooks and reconciliation
// fetches are both converted into BillingEvent and go through Ingestor.Ingest,
// so there is exactly one mutation path after a record is created.
//
// # Ingestion
//
// An event is looked up in the EventLedger first; a replay is reported as
// Ignored(duplicate) without touching the record. Events older than the newest
// applied event of the same provider are ignored as stale, and a cancelled
// subscription only leaves the cancelled state through a checkout for a new
// provider subscription.
//
//	ev, err := stripeAdapter.Normalize(ctx, payload, r.Header)
//	if err != nil {
//		// errors.Is(err, subscription.ErrValidation): reject with 400
//	}
//	outcome, err := ingestor.Ingest(ctx, ev)
//	if err != nil {
//		// nothing was recorded; let the provider redeliver
//	}
//
// # Quotas
//
// Conversations are consumable: the Meter counts them per billing period and
// the counter repository performs the limit check and the increment as one
// atomic step. Websites and chatbots are counted live through a
// ResourceCounter supplied by the application.
//
//	gate := subscription.NewGate(store, catalog, meter,
//		subscription.WithCounter(subscription.MetricWebsites, countWebsites),
//		subscription.WithCounter(subscription.MetricChatbots, countChatbots),
//	)
//
//	decision, err := gate.Check(ctx, accountID, subscription.KindConversation)
//	if err != nil {
//		return err
//	}
//	if !decision.Allowed {
//		return decision.Err() // *QuotaExceededError, matches ErrQuotaExceeded
//	}
//
// Accounts without a record get an implicit trial on the catalog's trial plan
// the first time they hit the gate.
//
// # Storage
//
// MemoryStorage implements every repository for tests and local runs. The
// pgstore and redisstore packages provide the production implementations.
package subscription
