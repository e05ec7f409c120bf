package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// apiError is a response status paired with a stable machine-readable key.
type apiError struct {
	Code int
	Key  string
}

func (e apiError) Error() string {
	return e.Key
}

var (
	errBadRequest         = apiError{Code: http.StatusBadRequest, Key: "bad_request"}
	errInvalidAccountID   = apiError{Code: http.StatusBadRequest, Key: "invalid_account_id"}
	errInvalidPayload     = apiError{Code: http.StatusBadRequest, Key: "invalid_payload"}
	errPayloadTooLarge    = apiError{Code: http.StatusRequestEntityTooLarge, Key: "payload_too_large"}
	errPaymentRequired    = apiError{Code: http.StatusPaymentRequired, Key: subscription.DenyQuota}
	errNotFound           = apiError{Code: http.StatusNotFound, Key: "not_found"}
	errUnknownProvider    = apiError{Code: http.StatusNotFound, Key: "unknown_provider"}
	errPlanNotFound       = apiError{Code: http.StatusNotFound, Key: "plan_not_found"}
	errConflict           = apiError{Code: http.StatusConflict, Key: "conflict"}
	errUnprocessable      = apiError{Code: http.StatusUnprocessableEntity, Key: "unprocessable_entity"}
	errInternal           = apiError{Code: http.StatusInternalServerError, Key: "internal_error"}
	errBadGateway         = apiError{Code: http.StatusBadGateway, Key: "provider_unavailable"}
	errServiceUnavailable = apiError{Code: http.StatusServiceUnavailable, Key: "service_unavailable"}
)

// classify maps a domain error to its response status and key.
func classify(err error) apiError {
	var ae apiError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, subscription.ErrValidation):
		return errInvalidPayload
	case errors.Is(err, subscription.ErrQuotaExceeded):
		return errPaymentRequired
	case errors.Is(err, subscription.ErrUnknownProvider):
		return errUnknownProvider
	case errors.Is(err, subscription.ErrPlanNotFound):
		return errPlanNotFound
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		return errNotFound
	case errors.Is(err, subscription.ErrAlreadySubscribed),
		errors.Is(err, subscription.ErrDowngradeNotPossible):
		return errConflict
	case errors.Is(err, subscription.ErrInvalidMetric),
		errors.Is(err, subscription.ErrInvalidAmount),
		errors.Is(err, subscription.ErrMissingPriceID):
		return errUnprocessable
	case errors.Is(err, subscription.ErrProviderUnavailable):
		return errBadGateway
	case errors.Is(err, subscription.ErrTransientFailure):
		return errServiceUnavailable
	}
	return errInternal
}
