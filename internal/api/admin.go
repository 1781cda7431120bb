package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/logging"
	"github.com/shopspring/decimal"
)

type adminCreateRequest struct {
	LicenseKey string          `json:"license_key"`
	Email      string          `json:"email"`
	Label      string          `json:"label"`
	Hours      decimal.Decimal `json:"hours"`
}

type adminAdjustRequest struct {
	Hours          decimal.Decimal `json:"hours"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type licenseDetail struct {
	*license.License
	Balance *balanceResponse `json:"balance,omitempty"`
}

func queryLimit(r *http.Request, fallback int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return fallback
}

// AdminListLicenses serves GET /admin/licenses.
func (h *Handlers) AdminListLicenses(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Licenses.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*license.License{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": list})
}

// AdminCreateLicense serves POST /admin/licenses. Without a license_key a
// key is generated; positive hours are credited as an initial adjustment.
func (h *Handlers) AdminCreateLicense(w http.ResponseWriter, r *http.Request) {
	var body adminCreateRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if body.Hours.IsNegative() {
		badRequest(w, "hours must not be negative")
		return
	}

	var lic *license.License
	var err error
	if key := strings.TrimSpace(body.LicenseKey); key != "" {
		lic, err = h.deps.Licenses.Create(r.Context(), key, body.Email, body.Label)
	} else {
		lic, err = h.deps.Licenses.Register(r.Context(), body.Email, body.Label)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if body.Hours.IsPositive() {
		if _, err := h.deps.Ledger.Adjust(r.Context(), lic.Key, body.Hours, "initial credit", "admin-initial"); err != nil {
			writeError(w, r, err)
			return
		}
	}
	logging.FromContext(r.Context()).Info().
		Str("license_key", lic.Key).
		Str("hours", body.Hours.String()).
		Msg("Admin created license")
	writeJSON(w, http.StatusCreated, h.detail(r, lic))
}

func (h *Handlers) detail(r *http.Request, lic *license.License) licenseDetail {
	d := licenseDetail{License: lic}
	if bal, err := h.deps.Ledger.Balance(r.Context(), lic.Key); err == nil {
		b := toBalanceResponse(bal)
		d.Balance = &b
	}
	return d
}

// AdminGetLicense serves GET /admin/licenses/{key}.
func (h *Handlers) AdminGetLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.deps.Licenses.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.detail(r, lic))
}

// AdminRevokeLicense serves POST /admin/licenses/{key}/revoke.
func (h *Handlers) AdminRevokeLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	lic, err := h.deps.Licenses.Revoke(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Warn().Str("license_key", key).Msg("License revoked")
	writeJSON(w, http.StatusOK, h.detail(r, lic))
}

// AdminAdjust serves POST /admin/licenses/{key}/adjust with signed hours.
func (h *Handlers) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	var body adminAdjustRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	note := strings.TrimSpace(body.Note)
	if note == "" {
		badRequest(w, "note is required")
		return
	}
	key := chi.URLParam(r, "key")

	res, err := h.deps.Ledger.Adjust(r.Context(), key, body.Hours, note, body.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info().
		Str("license_key", key).
		Str("delta", res.Entry.DeltaHours.String()).
		Str("note", note).
		Bool("replayed", res.Replayed).
		Msg("Admin balance adjustment")
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":           res.Entry,
		"hours_remaining": res.Balance,
		"replayed":        res.Replayed,
	})
}

// AdminLedger serves GET /admin/licenses/{key}/ledger with a replay report.
func (h *Handlers) AdminLedger(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	report, err := h.deps.Ledger.Verify(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.deps.Ledger.Entries(r.Context(), key, queryLimit(r, 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "report": report})
}

// AdminSessions serves GET /admin/licenses/{key}/sessions: live sessions from
// the tracker and recent history from the store.
func (h *Handlers) AdminSessions(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	history, err := h.deps.Store.ListSessions(r.Context(), key, queryLimit(r, 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  h.deps.Sessions.Active(key),
		"history": history,
	})
}

// AdminPayments serves GET /admin/payments.
func (h *Handlers) AdminPayments(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Payments.Events(r.Context(), r.URL.Query().Get("license_key"), queryLimit(r, 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
