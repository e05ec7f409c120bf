package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/botmeter/pkg/logger"
	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// WebhookResponse acknowledges a recorded webhook.
type WebhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := subscription.Provider(chi.URLParam(r, "provider"))
	adapter, err := a.adapters.Get(provider)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, r, errPayloadTooLarge)
			return
		}
		a.writeError(w, r, errBadRequest)
		return
	}

	ctx := r.Context()
	ev, err := adapter.Normalize(ctx, payload, r.Header)
	if err != nil {
		a.logger.LogAttrs(ctx, slog.LevelWarn, "webhook rejected",
			logger.Provider(provider),
			logger.Error(err))
		if !errors.Is(err, subscription.ErrValidation) {
			err = errors.Join(subscription.ErrValidation, err)
		}
		a.writeError(w, r, err)
		return
	}

	out, err := a.ingestor.Ingest(ctx, ev)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := WebhookResponse{Status: "applied"}
	if !out.Applied {
		resp = WebhookResponse{Status: "ignored", Reason: out.Reason}
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}
