// Package webhook delivers billing notifications to an HTTP endpoint.
//
// Payloads are JSON envelopes signed with HMAC-SHA256 over
// "<timestamp>.<body>" and sent with the X-Webhook-Signature,
// X-Webhook-Timestamp and X-Webhook-ID headers. Receivers check them with
// Verify.
//
// Sender makes one delivery with retries: network failures, 5xx, 408, 425 and
// 429 are retried with exponential backoff, other 4xx responses are final.
//
// Notifier implements subscription.Notifier on top of a Sender. Billing code
// calls it inline, so it only queues the event and a background worker does
// the delivery. A full queue drops the event and reports ErrQueueFull.
//
//	sender, err := webhook.NewSender(cfg.URL, cfg.Secret)
//	if err != nil {
//		return err
//	}
//	notifier, closeNotifier := webhook.NewNotifier(sender, webhook.WithNotifierLogger(log))
//	defer closeNotifier(context.Background())
package webhook
