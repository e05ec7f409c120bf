package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/botmeter/pkg/logger"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Candidates int
	Applied    int
	Ignored    int
	Failed     int
	Checkouts  int
}

func (r *SweepReport) add(other SweepReport) {
	r.Candidates += other.Candidates
	r.Applied += other.Applied
	r.Ignored += other.Ignored
	r.Failed += other.Failed
	r.Checkouts += other.Checkouts
}

// Reconciler periodically pulls provider-of-record state for subscriptions
// that may have missed events and feeds it through the Ingestor.
type Reconciler struct {
	repo     SubscriptionRepository
	ingestor *Ingestor
	adapters Adapters
	attempts CheckoutRepository

	interval        time.Duration
	cronSpec        string
	staleAfter      time.Duration
	checkoutTimeout time.Duration
	resyncAfter     time.Duration
	fetchTimeout    time.Duration
	batchSize       int
	concurrency     int

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileInterval sets the fixed sweep interval.
func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReconcileCron schedules sweeps with a standard cron spec instead of
// the fixed interval.
func WithReconcileCron(spec string) ReconcilerOption {
	return func(r *Reconciler) { r.cronSpec = spec }
}

// WithStaleAfter sets how long an ambiguous status may go without an update.
func WithStaleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithCheckoutWindow sets how long a checkout may wait for its webhook.
func WithCheckoutWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.checkoutTimeout = d
		}
	}
}

// WithResyncAfter enables a full resync of records not updated for d.
func WithResyncAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.resyncAfter = d }
}

// WithFetchTimeout overrides the per-fetch provider timeout.
func WithFetchTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithReconcileBatch bounds the candidates per sweep and the parallel fetches.
func WithReconcileBatch(size, concurrency int) ReconcilerOption {
	return func(r *Reconciler) {
		if size > 0 {
			r.batchSize = size
		}
		if concurrency > 0 {
			r.concurrency = concurrency
		}
	}
}

// WithReconcileAttempts enables recovery of checkouts whose webhook was lost.
func WithReconcileAttempts(repo CheckoutRepository) ReconcilerOption {
	return func(r *Reconciler) { r.attempts = repo }
}

// WithReconcileLogger sets the reconciler logger.
func WithReconcileLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReconcileMetrics enables sweep counters.
func WithReconcileMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithReconcileClock overrides the time source. Intended for tests.
func WithReconcileClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates a reconciler. repo must be the repository backing
// the ingestor's store.
func NewReconciler(repo SubscriptionRepository, ingestor *Ingestor, adapters Adapters, opts ...ReconcilerOption) *Reconciler {
	if repo == nil || ingestor == nil {
		panic("subscription: SubscriptionRepository and Ingestor are required")
	}
	r := &Reconciler{
		repo:            repo,
		ingestor:        ingestor,
		adapters:        adapters,
		interval:        5 * time.Minute,
		staleAfter:      15 * time.Minute,
		checkoutTimeout: 30 * time.Minute,
		fetchTimeout:    DefaultProviderTimeout,
		batchSize:       100,
		concurrency:     4,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps until ctx is cancelled. It sweeps once immediately.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.cronSpec != "" {
		return r.runCron(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reconciler) runCron(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.cronSpec, func() { r.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile cron spec %q: %w", r.cronSpec, err)
	}

	r.sweepAndLog(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler shutting down")
	return ctx.Err()
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	start := r.now()
	report, err := r.Sweep(ctx)
	attrs := []slog.Attr{
		slog.Int("candidates", report.Candidates),
		slog.Int("applied", report.Applied),
		slog.Int("ignored", report.Ignored),
		slog.Int("failed", report.Failed),
		slog.Int("checkouts", report.Checkouts),
		logger.Duration(r.now().Sub(start)),
	}
	if err != nil {
		r.logger.LogAttrs(ctx, slog.LevelError, "reconciliation sweep failed", append(attrs, logger.Error(err))...)
		return
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "reconciliation sweep finished", attrs...)
}

// Sweep runs one reconciliation pass. Per-subscription provider failures are
// counted in the report and retried on the next sweep; only failures to
// select candidates are returned as errors.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	now := r.now()
	q := ReconcileQuery{
		AmbiguousStatuses: []Status{StatusIncomplete, StatusPastDue, StatusUnpaid},
		StaleBefore:       now.Add(-r.staleAfter),
		CheckoutBefore:    now.Add(-r.checkoutTimeout),
		Limit:             r.batchSize,
	}
	if r.resyncAfter > 0 {
		q.ResyncBefore = now.Add(-r.resyncAfter)
	}

	subs, err := r.repo.ListForReconciliation(ctx, q)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list reconciliation candidates: %w", err)
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Candidates: len(subs)}
	)
	record := func(part SweepReport) {
		mu.Lock()
		report.add(part)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			record(r.reconcileSubscription(gctx, sub))
			return nil
		})
	}

	if r.attempts != nil {
		pending, err := r.attempts.ListPending(ctx, q.CheckoutBefore, r.batchSize)
		if err != nil {
			_ = g.Wait()
			return report, fmt.Errorf("list pending checkouts: %w", err)
		}
		for _, attempt := range pending {
			g.Go(func() error {
				record(r.reconcileCheckout(gctx, attempt))
				return nil
			})
		}
	}

	_ = g.Wait()
	return report, ctx.Err()
}

func (r *Reconciler) reconcileSubscription(ctx context.Context, sub *Subscription) SweepReport {
	if sub.ProviderRef == nil {
		return SweepReport{}
	}
	adapter, err := r.adapters.Get(sub.ProviderRef.Provider)
	if err != nil {
		r.fail(ctx, sub.AccountID, sub.ProviderRef.Provider, err)
		return SweepReport{Failed: 1}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	state, err := adapter.FetchSubscription(fetchCtx, *sub.ProviderRef)
	if err != nil {
		r.metrics.fetchFailed(sub.ProviderRef.Provider)
		r.fail(ctx, sub.AccountID, sub.ProviderRef.Provider, classifyFetch(fetchCtx, err))
		return SweepReport{Failed: 1}
	}
	if state.Status == "" {
		// Provider status we do not model; leave the record alone.
		return SweepReport{Ignored: 1}
	}

	return r.ingest(ctx, state.Event(sub.AccountID, r.now()))
}

func (r *Reconciler) reconcileCheckout(ctx context.Context, attempt CheckoutAttempt) SweepReport {
	adapter, err := r.adapters.Get(attempt.Provider)
	if err != nil {
		r.fail(ctx, attempt.AccountID, attempt.Provider, err)
		return SweepReport{Failed: 1}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	state, err := adapter.FetchCheckout(fetchCtx, attempt.SessionID)
	if err != nil {
		r.metrics.fetchFailed(attempt.Provider)
		r.fail(ctx, attempt.AccountID, attempt.Provider, classifyFetch(fetchCtx, err))
		return SweepReport{Failed: 1}
	}

	report := SweepReport{Checkouts: 1}
	switch {
	case state.Expired:
		r.resolve(ctx, attempt, CheckoutExpired)
		return report
	case !state.Completed || state.Subscription == nil:
		return report
	}

	ev := state.Subscription.Event(attempt.AccountID, r.now())
	ev.Type = EventCheckoutCompleted
	if ev.PlanID == "" {
		ev.PlanID = attempt.PlanID
	}
	report.add(r.ingest(ctx, ev))
	if report.Failed == 0 {
		r.resolve(ctx, attempt, CheckoutCompleted)
	}
	return report
}

func (r *Reconciler) ingest(ctx context.Context, ev BillingEvent) SweepReport {
	out, err := r.ingestor.Ingest(ctx, ev)
	if err != nil {
		r.metrics.reconciled("failed")
		r.fail(ctx, ev.AccountID, ev.Provider, err)
		return SweepReport{Failed: 1}
	}
	if out.Applied {
		r.metrics.reconciled("applied")
		return SweepReport{Applied: 1}
	}
	r.metrics.reconciled(out.Reason)
	return SweepReport{Ignored: 1}
}

func (r *Reconciler) resolve(ctx context.Context, attempt CheckoutAttempt, status CheckoutStatus) {
	if err := r.attempts.Resolve(ctx, attempt.ID, status, r.now()); err != nil {
		r.logger.LogAttrs(ctx, slog.LevelWarn, "failed to resolve checkout attempt",
			logger.AccountID(attempt.AccountID),
			slog.String("session_id", attempt.SessionID),
			logger.Error(err))
	}
}

func (r *Reconciler) fail(ctx context.Context, accountID uuid.UUID, provider Provider, err error) {
	r.logger.LogAttrs(ctx, slog.LevelWarn, "reconciliation failed, retrying next sweep",
		logger.AccountID(accountID),
		logger.Provider(provider),
		logger.Error(err))
}

// classifyFetch marks timeouts as provider unavailability.
func classifyFetch(ctx context.Context, err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrProviderUnavailable, err)
	}
	return err
}
