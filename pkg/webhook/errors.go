package webhook

import "errors"

var (
	ErrDeliveryFailed       = errors.New("webhook delivery failed")
	ErrPermanentFailure     = errors.New("permanent webhook failure")
	ErrInvalidConfiguration = errors.New("invalid webhook configuration")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrQueueFull            = errors.New("webhook queue is full")
	ErrNotifierClosed       = errors.New("webhook notifier is closed")
)
