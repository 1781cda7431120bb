package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/logging"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/session"
	"github.com/shopspring/decimal"
)

const maxRequestBody = 64 * 1024

// Handlers implements the HTTP endpoints.
type Handlers struct {
	deps *Deps
}

type balanceResponse struct {
	LicenseKey     string          `json:"license_key"`
	HoursRemaining decimal.Decimal `json:"hours_remaining"`
	UsedHours      decimal.Decimal `json:"used_hours"`
	PurchasedHours decimal.Decimal `json:"purchased_hours"`
}

type sessionResponse struct {
	SessionID      string           `json:"session_id"`
	Status         session.Status   `json:"status"`
	BilledHours    decimal.Decimal  `json:"billed_hours"`
	EndReason      string           `json:"end_reason,omitempty"`
	HoursRemaining *decimal.Decimal `json:"hours_remaining,omitempty"`
}

type sessionRequest struct {
	LicenseKey string `json:"license_key"`
	SessionID  string `json:"session_id"`
}

type checkoutRequest struct {
	LicenseKey string          `json:"license_key"`
	Hours      decimal.Decimal `json:"hours"`
}

type registerRequest struct {
	Email string `json:"email"`
	Label string `json:"label"`
}

type registerResponse struct {
	LicenseKey     string          `json:"license_key"`
	Status         string          `json:"status"`
	HoursRemaining decimal.Decimal `json:"hours_remaining"`
}

func toBalanceResponse(b ledger.Balance) balanceResponse {
	return balanceResponse{
		LicenseKey:     b.LicenseKey,
		HoursRemaining: b.HoursRemaining,
		UsedHours:      b.UsedHours,
		PurchasedHours: b.PurchasedHours,
	}
}

func toSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		SessionID:   s.ID,
		Status:      s.Status,
		BilledHours: s.BilledHours,
		EndReason:   s.EndReason,
	}
}

// decodeBody reads an optional JSON body into dst. An empty body is not an
// error.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErrorMessage(w, http.StatusBadRequest, "bad_request", msg)
}

// sessionID prefers the body, then the X-Session-ID header.
func sessionID(r *http.Request, body sessionRequest) string {
	if id := strings.TrimSpace(body.SessionID); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(gateway.SessionIDHeader))
}

// Healthz reports liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.deps.Version})
}

// Readyz reports whether the store answers.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Store.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": h.deps.Sessions.ActiveCount(),
	})
}

// Balance serves GET /balance.
func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	key := gateway.LicenseKeyFromContext(r.Context())
	bal, err := h.deps.Cache.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(bal))
}

// Heartbeat serves POST /usage/heartbeat.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	key := gateway.LicenseKeyFromContext(r.Context())

	s, err := h.deps.Sessions.Heartbeat(r.Context(), key, sessionID(r, body))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := toSessionResponse(s)
	if bal, err := h.deps.Cache.Get(r.Context(), key); err == nil {
		resp.HoursRemaining = &bal.HoursRemaining
	}
	writeJSON(w, http.StatusOK, resp)
}

// CloseSession serves POST /usage/close.
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	key := gateway.LicenseKeyFromContext(r.Context())

	s, err := h.deps.Sessions.Close(r.Context(), key, sessionID(r, body))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := toSessionResponse(s)
	if bal, err := h.deps.Cache.Get(r.Context(), key); err == nil {
		resp.HoursRemaining = &bal.HoursRemaining
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateCheckout serves POST /payments/create-checkout.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var body checkoutRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if !body.Hours.IsPositive() {
		badRequest(w, "hours must be a positive number")
		return
	}
	key := gateway.LicenseKeyFromContext(r.Context())

	url, err := h.deps.Checkout.Create(r.Context(), key, body.Hours)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
}

// Packages serves GET /packages.
func (h *Handlers) Packages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]payments.Package{"packages": h.deps.Catalog.Packages()})
}

// Register serves POST /register. The signup bonus, when configured, is
// credited as an adjustment keyed so it can only be applied once.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}

	lic, err := h.deps.Licenses.Register(r.Context(), body.Email, body.Label)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := registerResponse{LicenseKey: lic.Key, Status: string(lic.Status), HoursRemaining: decimal.Zero}

	if bonus := h.deps.Config.SignupBonus(); bonus.IsPositive() {
		res, err := h.deps.Ledger.Adjust(r.Context(), lic.Key, bonus, "signup bonus", "signup-bonus")
		if err != nil {
			// The license exists; report it so the caller keeps the key.
			logging.FromContext(r.Context()).Error().Err(err).Str("license_key", lic.Key).Msg("Failed to credit signup bonus")
		} else {
			resp.HoursRemaining = res.Balance
		}
	}

	logging.FromContext(r.Context()).Info().
		Str("license_key", lic.Key).
		Str("remote_ip", ClientIP(r, h.deps.Proxies)).
		Msg("License registered")
	writeJSON(w, http.StatusCreated, resp)
}

// Access serves GET /api/access, reporting the decision the gateway made.
func (h *Handlers) Access(w http.ResponseWriter, r *http.Request) {
	res, _ := gateway.ResultFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":        res.Decision,
		"license_key":     res.LicenseKey,
		"hours_remaining": res.Balance.HoursRemaining,
	})
}

// BalanceStream serves GET /balance/stream.
func (h *Handlers) BalanceStream(w http.ResponseWriter, r *http.Request) {
	h.deps.Hub.HandleWebSocket(w, r, gateway.LicenseKeyFromContext(r.Context()))
}
