package subscription

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors of the billing core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	GateDecisionsTotal   *prometheus.CounterVec
	CASConflictsTotal    prometheus.Counter
	ReconcileSweepsTotal *prometheus.CounterVec
	ReconcileFetchErrors *prometheus.CounterVec
	CheckoutsTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmeter_billing_events_total",
				Help: "Billing events processed by outcome",
			},
			[]string{"provider", "type", "outcome"},
		),
		GateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmeter_gate_decisions_total",
				Help: "Limit gate decisions by resource kind and result",
			},
			[]string{"kind", "result"},
		),
		CASConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "botmeter_subscription_cas_conflicts_total",
				Help: "Subscription version conflicts detected by the store",
			},
		),
		ReconcileSweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmeter_reconcile_subscriptions_total",
				Help: "Subscriptions visited by reconciliation sweeps by outcome",
			},
			[]string{"outcome"},
		),
		ReconcileFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmeter_reconcile_fetch_errors_total",
				Help: "Provider fetch failures during reconciliation",
			},
			[]string{"provider"},
		),
		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmeter_checkouts_total",
				Help: "Checkout sessions created by provider and status",
			},
			[]string{"provider", "status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.GateDecisionsTotal,
			m.CASConflictsTotal,
			m.ReconcileSweepsTotal,
			m.ReconcileFetchErrors,
			m.CheckoutsTotal,
		)
	}
	return m
}

func (m *Metrics) event(provider Provider, typ string, outcome Outcome) {
	if m == nil {
		return
	}
	label := "applied"
	if !outcome.Applied {
		label = outcome.Reason
	}
	m.EventsTotal.WithLabelValues(string(provider), typ, label).Inc()
}

func (m *Metrics) gate(kind ResourceKind, d Decision) {
	if m == nil {
		return
	}
	result := "allowed"
	if !d.Allowed {
		result = d.Reason
	}
	m.GateDecisionsTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) casConflict() {
	if m == nil {
		return
	}
	m.CASConflictsTotal.Inc()
}

func (m *Metrics) reconciled(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileSweepsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) fetchFailed(provider Provider) {
	if m == nil {
		return
	}
	m.ReconcileFetchErrors.WithLabelValues(string(provider)).Inc()
}

func (m *Metrics) checkout(provider Provider, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CheckoutsTotal.WithLabelValues(string(provider), status).Inc()
}
