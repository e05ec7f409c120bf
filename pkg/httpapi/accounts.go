package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// CheckoutRequest is the body of POST /accounts/{accountID}/checkout.
type CheckoutRequest struct {
	PlanID     string `json:"plan_id"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// GateResponse reports an allowed gate decision. Denials are 402 errors.
type GateResponse struct {
	Allowed bool                      `json:"allowed"`
	Kind    subscription.ResourceKind `json:"kind"`
	Used    int64                     `json:"used"`
	Limit   int64                     `json:"limit"`
}

// DowngradeResponse reports whether current usage fits the target plan.
type DowngradeResponse struct {
	Allowed bool   `json:"allowed"`
	PlanID  string `json:"plan_id"`
	Reason  string `json:"reason,omitempty"`
}

// withAccount parses the {accountID} path segment once for the account routes.
func (a *API) withAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "accountID"))
		if err != nil || id == uuid.Nil {
			a.writeError(w, r, errInvalidAccountID)
			return
		}
		next.ServeHTTP(w, r.WithContext(subscription.SetAccountIDToContext(r.Context(), id)))
	})
}

func accountID(r *http.Request) (uuid.UUID, error) {
	id, ok := subscription.GetAccountIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, errInvalidAccountID
	}
	return id, nil
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var req CheckoutRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.PlanID == "" {
		a.writeError(w, r, errBadRequest)
		return
	}

	link, err := a.checkout.Create(r.Context(), id, req.PlanID, subscription.CheckoutOptions{
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, link)
}

func (a *API) handleGate(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	kind := subscription.ResourceKind(chi.URLParam(r, "kind"))
	d, err := a.gate.Check(r.Context(), id, kind)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := d.Err(); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, GateResponse{Allowed: true, Kind: kind, Used: d.Used, Limit: d.Limit})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	report, err := a.gate.Usage(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, report)
}

func (a *API) handleDowngrade(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	planID := chi.URLParam(r, "planID")
	err = a.gate.CanDowngrade(r.Context(), id, planID)
	switch {
	case err == nil:
		a.writeJSON(w, r, http.StatusOK, DowngradeResponse{Allowed: true, PlanID: planID})
	case errors.Is(err, subscription.ErrDowngradeNotPossible):
		a.writeJSON(w, r, http.StatusOK, DowngradeResponse{PlanID: planID, Reason: err.Error()})
	default:
		a.writeError(w, r, err)
	}
}
