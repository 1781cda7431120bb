package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	LicenseKeyHeader = "X-License-Key"
	SessionIDHeader  = "X-Session-ID"
	DecisionHeader   = "X-Access-Decision"
	LicenseKeyParam  = "license_key"

	bodyPeekLimit = 1 << 20
)

// PublicPaths bypass the gateway entirely.
var PublicPaths = map[string]bool{
	"/healthz":          true,
	"/readyz":           true,
	"/metrics":          true,
	"/register":         true,
	"/packages":         true,
	"/payments/webhook": true,
}

// IsPublic reports whether path is on the public allow-list.
func IsPublic(path string) bool {
	return PublicPaths[strings.TrimSuffix(path, "/")] || PublicPaths[path]
}

type contextKey int

const resultContextKey contextKey = iota

// ResultFromContext returns the decision the middleware made for the request.
func ResultFromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(resultContextKey).(Result)
	return res, ok
}

// LicenseKeyFromContext returns the license key of an admitted request.
func LicenseKeyFromContext(ctx context.Context) string {
	res, _ := ResultFromContext(ctx)
	return res.LicenseKey
}

// WithResult stores res on ctx. Handlers normally get it from Middleware.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, resultContextKey, res)
}

// LicenseKey extracts the key from the X-License-Key header, the license_key
// query parameter or the license_key field of a JSON body, in that order. A
// consumed body is restored for the next handler.
func LicenseKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(LicenseKeyHeader)); key != "" {
		return key
	}
	if key := strings.TrimSpace(r.URL.Query().Get(LicenseKeyParam)); key != "" {
		return key
	}
	return keyFromBody(r)
}

func keyFromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return ""
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, bodyPeekLimit))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		return ""
	}
	var body struct {
		LicenseKey string `json:"license_key"`
	}
	if err := json.Unmarshal(buf, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.LicenseKey)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Middleware gates next behind mode. Public paths pass through untouched.
func (g *Gateway) Middleware(mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := LicenseKey(r)
			res := g.Check(r.Context(), key, mode)

			if res.Decision == Allow && mode == RequireBalance && g.sessions != nil {
				if err := g.sessions.Touch(r.Context(), key, r.Header.Get(SessionIDHeader)); err != nil {
					res = g.touchFailed(r, res, err)
				}
			}

			g.record(r, mode, res)
			w.Header().Set(DecisionHeader, string(res.Decision))

			if !res.Decision.Allowed() {
				if g.cfg.Enforce {
					writeDenial(w, res.Decision)
					return
				}
				log.Info().
					Str("license_key", key).
					Str("path", r.URL.Path).
					Str("decision", string(res.Decision)).
					Msg("Shadow mode: request would have been denied")
			}

			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		})
	}
}

// touchFailed decides what a failed heartbeat means for an allowed request.
// Only a heartbeat that used up the last hours turns into a denial.
func (g *Gateway) touchFailed(r *http.Request, res Result, err error) Result {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		res.Decision = DenyNoBalance
	case internalerrors.IsInfrastructure(err):
		log.Warn().Err(err).
			Str("license_key", res.LicenseKey).
			Str("path", r.URL.Path).
			Msg("Usage heartbeat failed")
	default:
		log.Debug().Err(err).
			Str("license_key", res.LicenseKey).
			Str("session_id", r.Header.Get(SessionIDHeader)).
			Msg("Usage heartbeat not recorded")
	}
	return res
}

func (g *Gateway) record(r *http.Request, mode Mode, res Result) {
	metrics.GatewayDecisionsTotal.WithLabelValues(string(res.Decision)).Inc()
	switch res.Decision {
	case AllowFailOpen:
		log.Warn().Err(res.Err).
			Str("license_key", res.LicenseKey).
			Str("path", r.URL.Path).
			Str("mode", mode.String()).
			Msg("License server unavailable, allowing request (fail open)")
	case DenyUnavailable:
		log.Error().Err(res.Err).
			Str("license_key", res.LicenseKey).
			Str("path", r.URL.Path).
			Msg("License server unavailable, denying request")
	}
}

// ErrorResponse is the JSON body of every denial.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var denialBodies = map[Decision]ErrorResponse{
	DenyNoKey: {
		Error:   "License key required",
		Message: "Provide a license key in the X-License-Key header or the license_key parameter",
	},
	DenyInvalidKey: {
		Error:   "Invalid license",
		Message: "The license key is unknown or has been revoked",
	},
	DenyNoBalance: {
		Error:   "No hours remaining",
		Message: "No hours remaining - please purchase more hours",
	},
	DenyUnavailable: {
		Error:   "License server unavailable",
		Message: "Access could not be verified, retry shortly",
	},
}

// DenialBody returns the response body for a denied decision.
func DenialBody(d Decision) ErrorResponse {
	body := denialBodies[d]
	body.Code = string(d)
	return body
}

func writeDenial(w http.ResponseWriter, d Decision) {
	if d == DenyUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.HTTPStatus())
	if err := json.NewEncoder(w).Encode(DenialBody(d)); err != nil {
		log.Debug().Err(err).Msg("Failed to write denial response")
	}
}
