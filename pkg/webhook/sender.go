package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Sender posts signed JSON to one endpoint.
type Sender struct {
	url        string
	secret     string
	client     *http.Client
	timeout    time.Duration
	maxRetries uint64
	backoff    time.Duration
	userAgent  string
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds a single attempt.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetries sets the retry count and the first backoff interval.
func WithRetries(maxRetries uint64, backoff time.Duration) SenderOption {
	return func(s *Sender) {
		s.maxRetries = maxRetries
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// NewSender creates a Sender for endpoint. Payloads are unsigned when secret is empty.
func NewSender(endpoint, secret string, opts ...SenderOption) (*Sender, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint must be an absolute http(s) URL", ErrInvalidConfiguration)
	}

	s := &Sender{
		url:        endpoint,
		secret:     secret,
		client:     &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 4, IdleConnTimeout: 90 * time.Second}},
		timeout:    10 * time.Second,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		userAgent:  "botmeter-webhook/1.0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send delivers v as JSON, retrying temporary failures.
func (s *Sender) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	id := uuid.NewString()
	attempts := 0
	backoff := retry.WithMaxRetries(s.maxRetries, retry.WithJitterPercent(10, retry.NewExponential(s.backoff)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		status, err := s.post(ctx, id, payload)
		if err == nil {
			return nil
		}
		if permanent(status) {
			return errors.Join(ErrPermanentFailure, err)
		}
		return retry.RetryableError(err)
	})
	if err != nil && !errors.Is(err, ErrPermanentFailure) {
		return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, attempts, err)
	}
	return err
}

func (s *Sender) post(ctx context.Context, id string, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderID, id)
	if s.secret != "" {
		ts := time.Now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, Sign(s.secret, ts, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", " ")
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return resp.StatusCode, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, msg)
}

// permanent reports 4xx responses that a retry will not change.
func permanent(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}
