package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"lienvault/native/bank"
	nativecommon "lienvault/native/common"
	"lienvault/native/lien"
	"lienvault/native/market"
)

type errorPayload struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), errorPayload{Error: err.Error()})
}

// statusFor maps engine sentinels to HTTP statuses. Anything unrecognized is
// a 500; business rejections that callers can correct map into the 4xx
// range so clients can branch on them.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lien.ErrLienNotFound):
		return http.StatusNotFound
	case errors.Is(err, lien.ErrStaleLien):
		return http.StatusConflict
	case errors.Is(err, market.ErrOfferConsumed),
		errors.Is(err, market.ErrOfferExhausted):
		return http.StatusConflict
	case errors.Is(err, market.ErrOfferExpired):
		return http.StatusGone
	case errors.Is(err, market.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, lien.ErrNotBorrower),
		errors.Is(err, market.ErrNotMaker):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrInvalidToken),
		errors.Is(err, lien.ErrLienDefaulted),
		errors.Is(err, lien.ErrLienNotDefaulted),
		errors.Is(err, lien.ErrLienNotDelinquent),
		errors.Is(err, lien.ErrLienMatured),
		errors.Is(err, market.ErrAmountOutOfRange),
		errors.Is(err, market.ErrSideMismatch),
		errors.Is(err, market.ErrTermMismatch),
		errors.Is(err, market.ErrBidFinancing),
		errors.Is(err, market.ErrFinancedOffer),
		errors.Is(err, market.ErrCriteria),
		errors.Is(err, market.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, errorPayload{Error: err.Error()})
}
