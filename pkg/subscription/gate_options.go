package subscription

import (
	"log/slog"
	"time"
)

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithResourceCounter sets the fallback counter for cardinality metrics
// without a registered ResourceCounterFunc.
func WithResourceCounter(rc ResourceCounter) GateOption {
	return func(g *Gate) {
		if rc != nil {
			g.resource = rc
		}
	}
}

// WithCounter registers a counter function for a specific metric.
// Counter functions must be fast as they're called on every creation attempt.
// Panics if a counter for the same metric has already been registered
// to prevent accidental overwrites and ensure explicit configuration.
func WithCounter(metric Metric, fn ResourceCounterFunc) GateOption {
	return func(g *Gate) {
		if fn == nil {
			return
		}
		if metric.Consumable() {
			panic("subscription: metric " + string(metric) + " is metered, not counted")
		}
		if _, exists := g.counters[metric]; exists {
			panic("subscription: counter for metric " + string(metric) + " already registered")
		}
		g.counters[metric] = fn
	}
}

// WithGateLogger sets the gate logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateMetrics enables decision counters.
func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateClock overrides the time source. Intended for tests.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}
