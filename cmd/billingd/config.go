package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/botmeter/pkg/config"
	"github.com/dmitrymomot/botmeter/pkg/environment"
	"github.com/dmitrymomot/botmeter/pkg/httpserver"
	"github.com/dmitrymomot/botmeter/pkg/logger"
	"github.com/dmitrymomot/botmeter/pkg/pg"
	"github.com/dmitrymomot/botmeter/pkg/redis"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// Counter backends.
const (
	countersRedis    = "redis"
	countersPostgres = "postgres"
)

type appConfig struct {
	AppName string `env:"APP_NAME" envDefault:"billingd"`
	AppEnv  string `env:"APP_ENV" envDefault:"development"`

	PlansFile       string `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`
	TrialPlan       string `env:"BILLING_TRIAL_PLAN" envDefault:"trial"`
	DefaultProvider string `env:"BILLING_DEFAULT_PROVIDER" envDefault:"stripe"`

	CASRetries uint64        `env:"BILLING_CAS_RETRIES" envDefault:"5"`
	CASBackoff time.Duration `env:"BILLING_CAS_BACKOFF" envDefault:"10ms"`

	CounterBackend string        `env:"USAGE_COUNTER_BACKEND" envDefault:"redis"`
	CounterPrefix  string        `env:"USAGE_COUNTER_PREFIX" envDefault:"botmeter:usage"`
	CounterTTL     time.Duration `env:"USAGE_COUNTER_TTL" envDefault:"0s"`

	WebsitesTable string `env:"RESOURCE_WEBSITES_TABLE" envDefault:"websites"`
	ChatbotsTable string `env:"RESOURCE_CHATBOTS_TABLE" envDefault:"chatbots"`

	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"15m"`
	ReconcileCron        string        `env:"RECONCILE_CRON"`
	ReconcileStaleAfter  time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"1h"`
	ReconcileCheckout    time.Duration `env:"RECONCILE_CHECKOUT_WINDOW" envDefault:"30m"`
	ReconcileResyncAfter time.Duration `env:"RECONCILE_RESYNC_AFTER" envDefault:"24h"`
	ReconcileBatch       int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"4"`
	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	AuditBufferSize   int           `env:"AUDIT_BUFFER_SIZE" envDefault:"1000"`
	AuditBatchSize    int           `env:"AUDIT_BATCH_SIZE" envDefault:"100"`
	AuditBatchTimeout time.Duration `env:"AUDIT_BATCH_TIMEOUT" envDefault:"1s"`

	MaxWebhookBytes    int64         `env:"HTTP_MAX_WEBHOOK_BYTES" envDefault:"1048576"`
	HealthCheckTimeout time.Duration `env:"HTTP_HEALTHCHECK_TIMEOUT" envDefault:"3s"`

	NotifyURL     string `env:"NOTIFY_WEBHOOK_URL"`
	NotifySecret  string `env:"NOTIFY_WEBHOOK_SECRET"`
	NotifyWorkers int    `env:"NOTIFY_WEBHOOK_WORKERS" envDefault:"2"`
}

// Validate checks the settings env tags cannot express. config.Load calls it.
func (c appConfig) Validate() error {
	var errs []error
	if _, err := environment.Parse(c.AppEnv); err != nil {
		errs = append(errs, fmt.Errorf("APP_ENV: %w", err))
	}
	switch c.CounterBackend {
	case countersRedis, countersPostgres:
	default:
		errs = append(errs, fmt.Errorf("USAGE_COUNTER_BACKEND: want %q or %q, got %q", countersRedis, countersPostgres, c.CounterBackend))
	}
	switch p := subscription.Provider(c.DefaultProvider); p {
	case subscription.ProviderStripe, subscription.ProviderPaddle:
	default:
		errs = append(errs, fmt.Errorf("BILLING_DEFAULT_PROVIDER: %w: %q", subscription.ErrUnknownProvider, c.DefaultProvider))
	}
	if c.ReconcileBatch <= 0 || c.ReconcileConcurrency <= 0 {
		errs = append(errs, errors.New("RECONCILE_BATCH_SIZE and RECONCILE_CONCURRENCY must be positive"))
	}
	if c.NotifyURL != "" && c.NotifySecret == "" {
		errs = append(errs, errors.New("NOTIFY_WEBHOOK_SECRET is required with NOTIFY_WEBHOOK_URL"))
	}
	return errors.Join(errs...)
}

// environment returns the parsed APP_ENV. Validate has already rejected
// unknown values.
func (c appConfig) environment() environment.Environment {
	env, err := environment.Parse(c.AppEnv)
	if err != nil {
		return environment.Development
	}
	return env
}

type configs struct {
	app    appConfig
	log    logger.Config
	http   httpserver.Config
	pg     pg.Config
	redis  redis.Config
	stripe subscription.StripeConfig
	paddle subscription.PaddleConfig
}

func loadConfigs() (configs, error) {
	var c configs
	for _, load := range []func() error{
		func() error { return config.Load(&c.app) },
		func() error { return config.Load(&c.log) },
		func() error { return config.Load(&c.http) },
		func() error { return config.Load(&c.pg) },
		func() error { return config.Load(&c.stripe) },
		func() error { return config.Load(&c.paddle) },
	} {
		if err := load(); err != nil {
			return configs{}, err
		}
	}
	if c.app.CounterBackend == countersRedis {
		if err := config.Load(&c.redis); err != nil {
			return configs{}, err
		}
	}
	return c, nil
}
