package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"stableramp/src/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeDomainError maps domain errors onto HTTP status codes. Custody
// failures surface as 502 and are already logged at error level by the
// escrow layer for alerting.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientLiquidity),
		errors.Is(err, model.ErrOutOfBounds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrOfferUnavailable),
		errors.Is(err, model.ErrOfferInUse),
		errors.Is(err, model.ErrAlreadySettled):
		status = http.StatusConflict
	case errors.Is(err, model.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, model.ErrEscrowLockFailed),
		errors.Is(err, model.ErrEscrowReleaseFailed),
		errors.Is(err, model.ErrEscrowRefundFailed):
		status = http.StatusBadGateway
	default:
		logger.WithError(err).Error("unhandled error in handler")
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decimalFromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: invalid amount %q", model.ErrValidation, s)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
