package subscription

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// UsageAlert is sent when a metered usage crosses a threshold of its limit.
type UsageAlert struct {
	AccountID uuid.UUID
	Metric    Metric
	Percent   int
	Used      int64
	Limit     int64
}

// StatusChange is sent when an ingested event changes status or plan.
type StatusChange struct {
	AccountID  uuid.UUID
	FromStatus Status // empty when the record was created
	ToStatus   Status
	FromPlan   string
	ToPlan     string
	EventID    string
}

// Notifier receives billing alerts. Delivery is the implementor's concern;
// errors are logged and never affect billing state.
type Notifier interface {
	UsageThreshold(ctx context.Context, alert UsageAlert) error
	SubscriptionChanged(ctx context.Context, change StatusChange) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) UsageThreshold(context.Context, UsageAlert) error { return nil }

func (NopNotifier) SubscriptionChanged(context.Context, StatusChange) error { return nil }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

func (n LogNotifier) UsageThreshold(ctx context.Context, a UsageAlert) error {
	n.logger().InfoContext(ctx, "usage threshold reached",
		slog.String("account_id", a.AccountID.String()),
		slog.String("metric", string(a.Metric)),
		slog.Int("percent", a.Percent),
		slog.Int64("used", a.Used),
		slog.Int64("limit", a.Limit))
	return nil
}

func (n LogNotifier) SubscriptionChanged(ctx context.Context, c StatusChange) error {
	n.logger().InfoContext(ctx, "subscription changed",
		slog.String("account_id", c.AccountID.String()),
		slog.String("from_status", string(c.FromStatus)),
		slog.String("to_status", string(c.ToStatus)),
		slog.String("from_plan", c.FromPlan),
		slog.String("to_plan", c.ToPlan),
		slog.String("event_id", c.EventID))
	return nil
}
