// Package gateway decides whether a request may proceed based on its license
// and remaining hours.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rs/zerolog/log"
)

// Decision is the outcome of an access check.
type Decision string

const (
	Allow           Decision = "ALLOW"
	AllowFailOpen   Decision = "ALLOW_FAIL_OPEN"
	DenyNoKey       Decision = "DENY_NO_KEY"
	DenyInvalidKey  Decision = "DENY_INVALID_KEY"
	DenyNoBalance   Decision = "DENY_NO_BALANCE"
	DenyUnavailable Decision = "DENY_UNAVAILABLE"
)

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d == Allow || d == AllowFailOpen
}

// HTTPStatus is the status a denial is answered with.
func (d Decision) HTTPStatus() int {
	switch d {
	case DenyNoKey:
		return http.StatusUnauthorized
	case DenyInvalidKey, DenyNoBalance:
		return http.StatusForbidden
	case DenyUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Mode selects which checks a route needs.
type Mode int

const (
	// RequireLicense checks only that the key names an active license.
	RequireLicense Mode = iota
	// RequireBalanceNoTouch also requires hours remaining.
	RequireBalanceNoTouch
	// RequireBalance requires hours and records a heartbeat on allow.
	RequireBalance
)

func (m Mode) String() string {
	switch m {
	case RequireLicense:
		return "require_license"
	case RequireBalanceNoTouch:
		return "require_balance_no_touch"
	case RequireBalance:
		return "require_balance"
	}
	return "unknown"
}

// DefaultLookupTimeout bounds a single balance lookup.
const DefaultLookupTimeout = 2 * time.Second

// Balances is the read path the gateway consults, normally the balance cache.
type Balances interface {
	Get(ctx context.Context, licenseKey string) (ledger.Balance, error)
}

// Toucher records activity for an allowed request, normally the session tracker.
type Toucher interface {
	Touch(ctx context.Context, licenseKey, sessionID string) error
}

// Config controls gateway behavior.
type Config struct {
	Policy Policy
	// Enforce false runs in shadow mode: decisions are computed and reported
	// but every request proceeds.
	Enforce       bool
	LookupTimeout time.Duration
}

// Result is a decision together with what was learned making it.
type Result struct {
	Decision   Decision
	LicenseKey string
	Balance    ledger.Balance
	Err        error // set for DENY_UNAVAILABLE and ALLOW_FAIL_OPEN
}

// Gateway evaluates access for protected requests.
type Gateway struct {
	cfg      Config
	balances Balances
	sessions Toucher
}

// New creates a gateway. sessions may be nil, in which case RequireBalance
// behaves like RequireBalanceNoTouch.
func New(cfg Config, balances Balances, sessions Toucher) *Gateway {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = FailClosed
	}
	return &Gateway{cfg: cfg, balances: balances, sessions: sessions}
}

// Enforcing reports whether denials are applied.
func (g *Gateway) Enforcing() bool {
	return g.cfg.Enforce
}

// Policy returns the failure policy in effect.
func (g *Gateway) Policy() Policy {
	return g.cfg.Policy
}

// Check evaluates licenseKey against mode. It never records a heartbeat.
func (g *Gateway) Check(ctx context.Context, licenseKey string, mode Mode) Result {
	res := Result{LicenseKey: licenseKey}
	if licenseKey == "" {
		res.Decision = DenyNoKey
		return res
	}

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()
	bal, err := g.balances.Get(lctx, licenseKey)
	switch {
	case err == nil:
	case errors.Is(err, license.ErrInvalidLicense):
		res.Decision = DenyInvalidKey
		return res
	case internalerrors.IsInfrastructure(err):
		res.Decision = g.cfg.Policy.OnUnavailable()
		res.Err = err
		return res
	default:
		// Not an infrastructure fault, so the failure policy does not apply.
		log.Error().Err(err).Str("license_key", licenseKey).Msg("Balance lookup failed")
		res.Decision = DenyUnavailable
		res.Err = err
		return res
	}
	res.Balance = bal

	if bal.Status != license.StatusActive {
		res.Decision = DenyInvalidKey
		return res
	}
	if mode != RequireLicense && bal.Exhausted() {
		res.Decision = DenyNoBalance
		return res
	}
	res.Decision = Allow
	return res
}
