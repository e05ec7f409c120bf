// Command billingd runs the chatbot billing core: provider webhooks, the
// limit gate, checkout links and the background reconciler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/botmeter/pkg/audit"
	"github.com/dmitrymomot/botmeter/pkg/httpapi"
	"github.com/dmitrymomot/botmeter/pkg/httpserver"
	"github.com/dmitrymomot/botmeter/pkg/logger"
	"github.com/dmitrymomot/botmeter/pkg/pg"
	"github.com/dmitrymomot/botmeter/pkg/pgstore"
	"github.com/dmitrymomot/botmeter/pkg/redis"
	"github.com/dmitrymomot/botmeter/pkg/redisstore"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
	"github.com/dmitrymomot/botmeter/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("billingd failed", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfigs()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := cfg.app.environment()
	log := logger.New(
		logger.WithEnvironment(env, cfg.app.AppName),
		logger.WithConfig(cfg.log),
		logger.WithContextExtractors(httpapi.RequestIDExtractor()),
	)
	logger.SetAsDefault(log)

	pool, err := pg.Connect(ctx, cfg.pg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrate(ctx, pool, cfg.pg, log); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := subscription.NewMetrics(reg)

	catalog, err := subscription.NewCatalog(ctx, subscription.NewYAMLFileSource(cfg.app.PlansFile), cfg.app.TrialPlan)
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	repo := pgstore.New(pool)
	auditLog, closeAudit := audit.NewAsyncWriter(repo, audit.AsyncOptions{
		BufferSize:   cfg.app.AuditBufferSize,
		BatchSize:    cfg.app.AuditBatchSize,
		BatchTimeout: cfg.app.AuditBatchTimeout,
		Logger:       log.With(logger.Component("audit")),
		Registerer:   reg,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := closeAudit(shutdownCtx); err != nil {
			log.LogAttrs(shutdownCtx, slog.LevelWarn, "audit writer close failed", logger.Error(err))
		}
	}()

	checks := []httpserver.Check{{Name: "postgres", Ping: pg.Healthcheck(pool)}}
	counters := repo.Counters()
	if cfg.app.CounterBackend == countersRedis {
		rdb, err := redis.Connect(ctx, cfg.redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		counters = redisstore.NewCounters(rdb,
			redisstore.WithKeyPrefix(cfg.app.CounterPrefix),
			redisstore.WithTTL(cfg.app.CounterTTL))
		checks = append(checks, httpserver.Check{Name: "redis", Ping: redis.Healthcheck(rdb)})
	}

	resources, err := pgstore.NewResourceCounts(pool, map[subscription.Metric]string{
		subscription.MetricWebsites: cfg.app.WebsitesTable,
		subscription.MetricChatbots: cfg.app.ChatbotsTable,
	})
	if err != nil {
		return err
	}

	var notifier subscription.Notifier = subscription.LogNotifier{Logger: log.With(logger.Component("notifier"))}
	if cfg.app.NotifyURL != "" {
		sender, err := webhook.NewSender(cfg.app.NotifyURL, cfg.app.NotifySecret, webhook.WithTimeout(cfg.app.ProviderTimeout))
		if err != nil {
			return err
		}
		wn, closeNotifier := webhook.NewNotifier(sender,
			webhook.WithWorkers(cfg.app.NotifyWorkers),
			webhook.WithNotifierLogger(log.With(logger.Component("notifier"))))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = closeNotifier(shutdownCtx)
		}()
		notifier = wn
	}

	store := subscription.NewStore(repo, catalog,
		subscription.WithAuditLog(auditLog),
		subscription.WithCASRetry(cfg.app.CASRetries, cfg.app.CASBackoff),
		subscription.WithStoreLogger(log),
		subscription.WithStoreMetrics(metrics))
	meter := subscription.NewMeter(counters, store, catalog,
		subscription.WithMeterNotifier(notifier),
		subscription.WithMeterLogger(log))
	ingestor := subscription.NewIngestor(store, catalog, repo,
		subscription.WithIngestMeter(meter),
		subscription.WithIngestNotifier(notifier),
		subscription.WithIngestLogger(log),
		subscription.WithIngestMetrics(metrics))
	gate := subscription.NewGate(store, catalog, meter,
		subscription.WithResourceCounter(resources),
		subscription.WithGateLogger(log),
		subscription.WithGateMetrics(metrics))
	checkout, err := subscription.NewCheckout(store, catalog, adapters, subscription.Provider(cfg.app.DefaultProvider),
		subscription.WithCheckoutAttempts(repo.Checkouts()),
		subscription.WithCheckoutTimeout(cfg.app.ProviderTimeout),
		subscription.WithCheckoutLogger(log),
		subscription.WithCheckoutMetrics(metrics))
	if err != nil {
		return err
	}

	reconcilerOpts := []subscription.ReconcilerOption{
		subscription.WithReconcileInterval(cfg.app.ReconcileInterval),
		subscription.WithStaleAfter(cfg.app.ReconcileStaleAfter),
		subscription.WithCheckoutWindow(cfg.app.ReconcileCheckout),
		subscription.WithResyncAfter(cfg.app.ReconcileResyncAfter),
		subscription.WithFetchTimeout(cfg.app.ProviderTimeout),
		subscription.WithReconcileBatch(cfg.app.ReconcileBatch, cfg.app.ReconcileConcurrency),
		subscription.WithReconcileAttempts(repo.Checkouts()),
		subscription.WithReconcileLogger(log),
		subscription.WithReconcileMetrics(metrics),
	}
	if cfg.app.ReconcileCron != "" {
		reconcilerOpts = append(reconcilerOpts, subscription.WithReconcileCron(cfg.app.ReconcileCron))
	}
	reconciler := subscription.NewReconciler(repo, ingestor, adapters, reconcilerOpts...)

	api := httpapi.New(adapters, ingestor, checkout, gate,
		httpapi.WithLogger(log),
		httpapi.WithHealthChecks(checks...),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		httpapi.WithEnvironment(env),
		httpapi.WithMaxWebhookBytes(cfg.app.MaxWebhookBytes),
		httpapi.WithHealthCheckTimeout(cfg.app.HealthCheckTimeout),
	)
	srv := httpserver.NewFromConfig(cfg.http, httpserver.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := reconciler.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.Run(ctx, api.Router())
	})
	return g.Wait()
}

func migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	if cfg.MigrationsPath != "" {
		return pg.Migrate(ctx, pool, cfg, log)
	}
	return pg.MigrateFS(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, log)
}

// buildAdapters registers every provider with credentials configured.
func buildAdapters(cfg configs) (subscription.Adapters, error) {
	var list []subscription.ProviderAdapter
	if cfg.stripe.Enabled() {
		a, err := subscription.NewStripeAdapter(cfg.stripe)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		list = append(list, a)
	}
	if cfg.paddle.Enabled() {
		a, err := subscription.NewPaddleAdapter(cfg.paddle)
		if err != nil {
			return nil, fmt.Errorf("paddle: %w", err)
		}
		list = append(list, a)
	}
	if len(list) == 0 {
		return nil, errors.New("no billing provider configured")
	}
	return subscription.NewAdapters(list...), nil
}
