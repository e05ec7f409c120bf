package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/botmeter/pkg/logger"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// ErrorDetail is the body of every error response, under the "error" key.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error ErrorDetail `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.LogAttrs(r.Context(), slog.LevelWarn, "failed to encode response",
			logger.Error(err))
	}
}

// writeError renders err with the status classify picks for it.
// Server-side failures are logged; their messages are not exposed.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	detail := ErrorDetail{
		Code:      ae.Key,
		Message:   err.Error(),
		RequestID: RequestIDFromContext(r.Context()),
	}

	if ae.Code >= http.StatusInternalServerError {
		a.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ae.Code),
			logger.Error(err))
		detail.Message = http.StatusText(ae.Code)
	}

	var quota *subscription.QuotaExceededError
	if errors.As(err, &quota) {
		detail.Code = subscription.DenyQuota
		detail.Details = map[string]any{
			"metric": quota.Metric,
			"reason": quota.Reason,
			"used":   quota.Used,
			"limit":  quota.Limit,
		}
	}

	a.writeJSON(w, r, ae.Code, errorResponse{Error: detail})
}
