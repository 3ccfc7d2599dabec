package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/scratchwin/scratch-engine/internal/commission"
	"github.com/scratchwin/scratch-engine/internal/idem"
	"github.com/scratchwin/scratch-engine/internal/ingest"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/prize"
	"github.com/scratchwin/scratch-engine/internal/store"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error      string                 `json:"error"`
	Validation *prize.ValidationError `json:"validation,omitempty"`
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// fail writes err with the status statusFor picks for it.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	errors.As(err, &resp.Validation)
	render.Status(r, statusFor(err))
	render.JSON(w, r, resp)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired

	case errors.Is(err, prize.ErrInvalidCatalog),
		errors.Is(err, commission.ErrInvalidTiers):
		return http.StatusUnprocessableEntity

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPool),
		errors.Is(err, ledger.ErrInvalidReason),
		errors.Is(err, ledger.ErrInvalidRole),
		errors.Is(err, ledger.ErrMissingKey),
		errors.Is(err, idem.ErrInvalidKey),
		errors.Is(err, prize.ErrInvalidStake),
		errors.Is(err, prize.ErrInvalidMultiplier),
		errors.Is(err, commission.ErrInvalidDeposit),
		errors.Is(err, commission.ErrInvalidReferrer),
		errors.Is(err, ingest.ErrInvalidNotification),
		errors.Is(err, ingest.ErrUnknownStatus):
		return http.StatusBadRequest

	case errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, prize.ErrGameNotFound),
		errors.Is(err, prize.ErrRoundNotFound),
		errors.Is(err, commission.ErrAccountNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, prize.ErrRoundMismatch),
		errors.Is(err, prize.ErrGameInactive),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
