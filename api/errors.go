package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/ledger-engine/internal/walletcore"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a walletcore error to the HTTP status table in
// SPEC_FULL §6: ValidationError/ZeroSumError -> 400, WalletNotFound/
// GroupNotFound -> 404, InsufficientFunds/StateError -> 409,
// IntegrityError -> 500, TransientError -> 503.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case walletcore.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, walletcore.ErrInsufficientFunds),
		errors.Is(err, walletcore.ErrState):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, walletcore.ErrValidation),
		errors.Is(err, walletcore.ErrZeroSum),
		errors.Is(err, walletcore.ErrGroupNotOpen),
		errors.Is(err, walletcore.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusBadRequest, "bad request", err)
	case errors.Is(err, walletcore.ErrIntegrity):
		writeError(w, http.StatusInternalServerError, "integrity violation", err)
	case errors.Is(err, walletcore.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}
