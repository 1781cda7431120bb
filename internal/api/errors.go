package api

import (
	"encoding/json"
	"errors"
	"net/http"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/session"
	"github.com/rs/zerolog/log"
)

// errorResponse is the body of every non-2xx answer.
type errorResponse = gateway.ErrorResponse

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, Message: msg})
}

// writeError maps a domain error onto its status code and JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusForbidden, gateway.DenialBody(gateway.DenyNoBalance)
	case errors.Is(err, license.ErrInvalidLicense):
		return http.StatusForbidden, gateway.DenialBody(gateway.DenyInvalidKey)
	case internalerrors.IsInfrastructure(err):
		return http.StatusServiceUnavailable, gateway.DenialBody(gateway.DenyUnavailable)

	case errors.Is(err, session.ErrSessionExpired):
		return http.StatusConflict, errorResponse{Error: "Session expired", Code: "session_expired", Message: "Start a new session"}
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict, errorResponse{Error: "Session closed", Code: "session_closed", Message: "Start a new session"}
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusConflict, errorResponse{Error: "Too many sessions", Code: "session_limit", Message: "Close another session for this license first"}
	case errors.Is(err, session.ErrSessionLicenseMismatch):
		return http.StatusForbidden, errorResponse{Error: "Session belongs to another license", Code: "session_license_mismatch"}
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, errorResponse{Error: "Session not found", Code: "session_not_found"}

	case errors.Is(err, payments.ErrCheckoutUnavailable):
		return http.StatusServiceUnavailable, errorResponse{Error: "Checkout unavailable", Code: "checkout_unavailable", Message: "Payments are not configured on this server"}
	case errors.Is(err, payments.ErrUnknownPackage):
		return http.StatusBadRequest, errorResponse{Error: "Unknown package", Code: "unknown_package", Message: "See GET /packages for the hour packages on sale"}

	case errors.Is(err, license.ErrAlreadyExists):
		return http.StatusConflict, errorResponse{Error: "License already exists", Code: "license_exists"}
	case errors.Is(err, license.ErrInvalidEmail):
		return http.StatusBadRequest, errorResponse{Error: "Invalid email address", Code: "invalid_email"}
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, errorResponse{Error: "Invalid hours", Code: "invalid_hours", Message: err.Error()}
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict, errorResponse{Error: "Idempotency key already used", Code: "idempotency_conflict"}
	}
	return http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: "internal"}
}
