package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/botmeter/pkg/logger"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// Event types.
const (
	EventUsageThreshold      = "usage.threshold"
	EventSubscriptionChanged = "subscription.changed"
)

// Event is the JSON envelope posted for every notification.
type Event struct {
	Type       string    `json:"type"`
	AccountID  uuid.UUID `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// UsageThresholdData is the data of a usage.threshold event.
type UsageThresholdData struct {
	Metric  subscription.Metric `json:"metric"`
	Percent int                 `json:"percent"`
	Used    int64               `json:"used"`
	Limit   int64               `json:"limit"`
}

// SubscriptionChangedData is the data of a subscription.changed event.
type SubscriptionChangedData struct {
	FromStatus subscription.Status `json:"from_status,omitempty"`
	ToStatus   subscription.Status `json:"to_status"`
	FromPlan   string              `json:"from_plan,omitempty"`
	ToPlan     string              `json:"to_plan"`
	EventID    string              `json:"event_id"`
}

type deliverer interface {
	Send(ctx context.Context, v any) error
}

// Notifier queues billing notifications and delivers them in the background.
type Notifier struct {
	sender    deliverer
	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	bufferSize int
	workers    int
	logger     *slog.Logger
	now        func() time.Time
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithQueueSize sets how many undelivered events are held in memory.
func WithQueueSize(n int) NotifierOption {
	return func(nt *Notifier) {
		if n > 0 {
			nt.bufferSize = n
		}
	}
}

// WithWorkers sets the number of concurrent deliveries.
func WithWorkers(n int) NotifierOption {
	return func(nt *Notifier) {
		if n > 0 {
			nt.workers = n
		}
	}
}

// WithNotifierLogger sets the logger for failed deliveries.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(nt *Notifier) {
		if l != nil {
			nt.logger = l
		}
	}
}

// NewNotifier starts the delivery workers. The returned function stops them
// after the queue is drained or ctx is done.
func NewNotifier(sender *Sender, opts ...NotifierOption) (*Notifier, func(context.Context) error) {
	if sender == nil {
		panic("webhook: sender is required")
	}
	return newNotifier(sender, opts...)
}

func newNotifier(sender deliverer, opts ...NotifierOption) (*Notifier, func(context.Context) error) {
	n := &Notifier{
		sender:     sender,
		bufferSize: 256,
		workers:    2,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	n.queue = make(chan Event, n.bufferSize)

	// Deliveries outlive the request that queued them.
	ctx, cancel := context.WithCancel(context.Background())
	for range n.workers {
		n.wg.Add(1)
		go n.worker(ctx)
	}

	return n, func(closeCtx context.Context) error {
		n.closeOnce.Do(func() {
			n.mu.Lock()
			n.closed = true
			close(n.queue)
			n.mu.Unlock()
		})

		drained := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			cancel()
			return nil
		case <-closeCtx.Done():
			cancel()
			return closeCtx.Err()
		}
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for ev := range n.queue {
		if err := n.sender.Send(ctx, ev); err != nil {
			n.logger.LogAttrs(ctx, slog.LevelWarn, "billing notification not delivered",
				logger.AccountID(ev.AccountID),
				logger.EventType(ev.Type),
				logger.Error(err))
		}
	}
}

func (n *Notifier) enqueue(ev Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}
	select {
	case n.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// UsageThreshold implements subscription.Notifier.
func (n *Notifier) UsageThreshold(_ context.Context, a subscription.UsageAlert) error {
	return n.enqueue(Event{
		Type:       EventUsageThreshold,
		AccountID:  a.AccountID,
		OccurredAt: n.now(),
		Data:       UsageThresholdData{Metric: a.Metric, Percent: a.Percent, Used: a.Used, Limit: a.Limit},
	})
}

// SubscriptionChanged implements subscription.Notifier.
func (n *Notifier) SubscriptionChanged(_ context.Context, c subscription.StatusChange) error {
	return n.enqueue(Event{
		Type:       EventSubscriptionChanged,
		AccountID:  c.AccountID,
		OccurredAt: n.now(),
		Data: SubscriptionChangedData{
			FromStatus: c.FromStatus,
			ToStatus:   c.ToStatus,
			FromPlan:   c.FromPlan,
			ToPlan:     c.ToPlan,
			EventID:    c.EventID,
		},
	})
}

var _ subscription.Notifier = (*Notifier)(nil)
