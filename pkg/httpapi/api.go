package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/botmeter/pkg/environment"
	"github.com/dmitrymomot/botmeter/pkg/httpserver"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// DefaultMaxWebhookBytes caps the webhook body read into memory.
const DefaultMaxWebhookBytes int64 = 1 << 20

// API holds the handlers and the services they call.
type API struct {
	adapters subscription.Adapters
	ingestor *subscription.Ingestor
	checkout *subscription.Checkout
	gate     *subscription.Gate

	logger          *slog.Logger
	checks          []httpserver.Check
	checkTimeout    time.Duration
	metrics         http.Handler
	env             environment.Environment
	maxWebhookBytes int64
}

// Option configures API.
type Option func(*API)

// WithLogger sets the logger for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithHealthChecks adds dependency checks to /readyz.
func WithHealthChecks(checks ...httpserver.Check) Option {
	return func(a *API) { a.checks = append(a.checks, checks...) }
}

// WithHealthCheckTimeout bounds a single /readyz run.
func WithHealthCheckTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.checkTimeout = d
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *API) { a.metrics = h }
}

// WithEnvironment attaches env to every request context.
func WithEnvironment(env environment.Environment) Option {
	return func(a *API) { a.env = env }
}

// WithMaxWebhookBytes overrides DefaultMaxWebhookBytes.
func WithMaxWebhookBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxWebhookBytes = n
		}
	}
}

// New creates the API.
// Panics if a required dependency is nil to fail fast during initialization.
func New(adapters subscription.Adapters, ingestor *subscription.Ingestor, checkout *subscription.Checkout, gate *subscription.Gate, opts ...Option) *API {
	if ingestor == nil || checkout == nil || gate == nil {
		panic("httpapi: Ingestor, Checkout and Gate are required")
	}
	a := &API{
		adapters:        adapters,
		ingestor:        ingestor,
		checkout:        checkout,
		gate:            gate,
		logger:          slog.Default(),
		checkTimeout:    5 * time.Second,
		env:             environment.Production,
		maxWebhookBytes: DefaultMaxWebhookBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns the HTTP handler serving every route.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(a.accessLog)
	r.Use(environment.Middleware(a.env))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, errNotFound)
	})

	r.Get("/healthz", httpserver.HealthCheckHandler(a.logger, a.checkTimeout))
	r.Get("/readyz", httpserver.HealthCheckHandler(a.logger, a.checkTimeout, a.readiness()...))
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Post("/webhooks/{provider}", a.handleWebhook)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Use(a.withAccount)
		r.Post("/checkout", a.handleCheckout)
		r.Post("/gate/{kind}", a.handleGate)
		r.Get("/usage", a.handleUsage)
		r.Get("/downgrade/{planID}", a.handleDowngrade)
	})

	return r
}

// readiness always reports at least one check so /readyz differs from /healthz.
func (a *API) readiness() []httpserver.Check {
	if len(a.checks) > 0 {
		return a.checks
	}
	return []httpserver.Check{{Name: "self", Ping: func(context.Context) error { return nil }}}
}
