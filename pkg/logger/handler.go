package logger

import (
	"context"
	"log/slog"
	"strings"
)

// ContextExtractor extracts a slog attribute from context.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

// Redacted replaces the value of attributes whose key is in the redact set.
const Redacted = "[REDACTED]"

// DefaultRedactedKeys are never written in clear: provider credentials,
// webhook signing secrets and raw signature headers.
var DefaultRedactedKeys = []string{
	"api_key",
	"secret_key",
	"webhook_secret",
	"authorization",
	"stripe-signature",
	"paddle-signature",
	"x-webhook-signature",
	"password",
}

// contextHandler adds context-derived attributes to each record and masks
// secrets before delegating to next.
type contextHandler struct {
	next       slog.Handler
	extractors []ContextExtractor
	redact     map[string]struct{}
}

func newContextHandler(next slog.Handler, redact []string, extractors ...ContextExtractor) slog.Handler {
	h := &contextHandler{next: next, redact: make(map[string]struct{}, len(redact))}
	for _, ex := range extractors {
		if ex != nil {
			h.extractors = append(h.extractors, ex)
		}
	}
	for _, k := range redact {
		h.redact[strings.ToLower(k)] = struct{}{}
	}
	return h
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if len(h.redact) == 0 && len(h.extractors) == 0 {
		return h.next.Handle(ctx, rec)
	}

	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.mask(a))
		return true
	})
	for _, ex := range h.extractors {
		if attr, ok := ex(ctx); ok {
			out.AddAttrs(h.mask(attr))
		}
	}
	return h.next.Handle(ctx, out)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.mask(a)
	}
	return &contextHandler{next: h.next.WithAttrs(masked), extractors: h.extractors, redact: h.redact}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name), extractors: h.extractors, redact: h.redact}
}

func (h *contextHandler) mask(a slog.Attr) slog.Attr {
	if len(h.redact) == 0 {
		return a
	}
	if _, ok := h.redact[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]slog.Attr, len(group))
		for i, g := range group {
			masked[i] = h.mask(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	}
	return a
}
