package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/botmeter/pkg/logger"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// ErrStorageNotAvailable is returned by Append after Close.
var ErrStorageNotAvailable = errors.New("storage backend is unavailable")

// BatchWriter stores a batch of audit rows atomically.
type BatchWriter interface {
	StoreBatch(ctx context.Context, entries []subscription.AuditEntry) error
}

// AsyncOptions tunes batching. Zero fields take the defaults noted below.
type AsyncOptions struct {
	BufferSize     int           // queued rows before Append writes inline; 1000
	BatchSize      int           // rows per StoreBatch call; 100
	BatchTimeout   time.Duration // longest a partial batch waits; 100ms
	StorageTimeout time.Duration // budget for one batch including retries; 5s
	Retries        uint64        // extra attempts for a failed batch; 2
	RetryBackoff   time.Duration // first retry delay, doubled each attempt; 50ms
	Logger         *slog.Logger
	Registerer     prometheus.Registerer // nil disables metrics
}

// AsyncWriter batches subscription audit rows in the background.
// It implements subscription.AuditLog.
type AsyncWriter struct {
	bw      BatchWriter
	opts    AsyncOptions
	entries chan subscription.AuditEntry
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	batches *prometheus.CounterVec
	dropped prometheus.Counter
}

// NewAsyncWriter starts the batching goroutine. The returned func is Close.
// Panics if bw is nil.
func NewAsyncWriter(bw BatchWriter, opts AsyncOptions) (*AsyncWriter, func(context.Context) error) {
	if bw == nil {
		panic("audit: batch writer cannot be nil")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 100 * time.Millisecond
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	aw := &AsyncWriter{
		bw:      bw,
		opts:    opts,
		entries: make(chan subscription.AuditEntry, opts.BufferSize),
		done:    make(chan struct{}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botmeter_audit_batches_total",
			Help: "Audit batches written, by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botmeter_audit_entries_dropped_total",
			Help: "Audit rows lost after every retry failed.",
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(aw.batches, aw.dropped,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "botmeter_audit_queue_depth",
				Help: "Audit rows waiting for the next batch.",
			}, func() float64 { return float64(len(aw.entries)) }))
	}

	aw.wg.Add(1)
	go aw.run()
	return aw, aw.Close
}

// Append queues entry and returns before it is stored. With the queue full
// the entry is written inline so the version history stays complete.
func (aw *AsyncWriter) Append(ctx context.Context, entry subscription.AuditEntry) error {
	select {
	case <-aw.done:
		return ErrStorageNotAvailable
	default:
	}

	select {
	case aw.entries <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return aw.bw.StoreBatch(ctx, []subscription.AuditEntry{entry})
	}
}

func (aw *AsyncWriter) run() {
	defer aw.wg.Done()

	batch := make([]subscription.AuditEntry, 0, aw.opts.BatchSize)
	ticker := time.NewTicker(aw.opts.BatchTimeout)
	defer ticker.Stop()

	add := func(e subscription.AuditEntry) {
		batch = append(batch, e)
		if len(batch) >= aw.opts.BatchSize {
			aw.flush(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case e := <-aw.entries:
			add(e)
		case <-ticker.C:
			aw.flush(batch)
			batch = batch[:0]
		case <-aw.done:
			for {
				select {
				case e := <-aw.entries:
					add(e)
				default:
					aw.flush(batch)
					return
				}
			}
		}
	}
}

// flush stores batch on a detached context so request deadlines never drop
// rows. Failures are retried, then logged and counted.
func (aw *AsyncWriter) flush(batch []subscription.AuditEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), aw.opts.StorageTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(aw.opts.Retries, retry.NewExponential(aw.opts.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(aw.bw.StoreBatch(ctx, batch))
	})
	if err != nil {
		aw.batches.WithLabelValues("failed").Inc()
		aw.dropped.Add(float64(len(batch)))
		aw.opts.Logger.LogAttrs(ctx, slog.LevelError, "failed to store audit batch",
			slog.Int("entries", len(batch)),
			logger.Error(err))
		return
	}
	aw.batches.WithLabelValues("stored").Inc()
}

// Close stops accepting rows and flushes the queue. ctx bounds the wait; it
// is safe to call more than once.
func (aw *AsyncWriter) Close(ctx context.Context) error {
	aw.once.Do(func() { close(aw.done) })

	flushed := make(chan struct{})
	go func() {
		aw.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ subscription.AuditLog = (*AsyncWriter)(nil)
