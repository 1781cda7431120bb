// Package payments reconciles payment gateway notifications into hour
// credits. Each event credits the ledger at most once, keyed by its event id.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LicenseLookup resolves a license key; *license.Service satisfies it.
type LicenseLookup interface {
	Get(ctx context.Context, key string) (*license.License, error)
}

// Crediter is the slice of the ledger the processor writes to.
type Crediter interface {
	Credit(ctx context.Context, licenseKey string, hours decimal.Decimal, reason ledger.Reason, idempotencyKey string) (ledger.Result, error)
}

// Receipt describes what an event did to the ledger.
type Receipt struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type,omitempty"`
	LicenseKey     string          `json:"license_key,omitempty"`
	HoursCredited  decimal.Decimal `json:"hours_credited"`
	HoursRemaining decimal.Decimal `json:"hours_remaining"`
	EntryID        int64           `json:"entry_id,omitempty"`
	Duplicate      bool            `json:"duplicate,omitempty"`
	Ignored        bool            `json:"ignored,omitempty"`
}

// Processor verifies, records and applies payment notifications.
type Processor struct {
	verifier Verifier
	events   EventStore
	licenses LicenseLookup
	ledger   Crediter
	now      func() time.Time
}

// NewProcessor creates a processor. A nil verifier leaves payments
// unconfigured; Handle then always fails.
func NewProcessor(v Verifier, events EventStore, licenses LicenseLookup, l Crediter) *Processor {
	return &Processor{verifier: v, events: events, licenses: licenses, ledger: l, now: time.Now}
}

// Configured reports whether a webhook secret is set.
func (p *Processor) Configured() bool {
	return p != nil && p.verifier != nil
}

// SignatureHeader names the header the configured verifier reads.
func (p *Processor) SignatureHeader() string {
	if !p.Configured() {
		return ""
	}
	return p.verifier.SignatureHeader()
}

// Handle authenticates payload and applies it. A redelivered event returns
// the original receipt together with ErrDuplicatePaymentEvent.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (Receipt, error) {
	if !p.Configured() {
		return Receipt{}, fmt.Errorf("payment webhook secret not configured")
	}

	d, err := p.verifier.Verify(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidPaymentSignature) {
			metrics.PaymentEventsTotal.WithLabelValues("invalid_signature").Inc()
		}
		return Receipt{EventID: d.EventID, Type: d.Type}, err
	}
	receipt := Receipt{EventID: d.EventID, Type: d.Type}
	if d.Event == nil {
		metrics.PaymentEventsTotal.WithLabelValues("ignored").Inc()
		log.Info().
			Str("event_id", d.EventID).
			Str("type", d.Type).
			Msg("Payment webhook ignored (unhandled type)")
		receipt.Ignored = true
		return receipt, nil
	}

	ev := d.Event
	ev.Status = EventReceived
	ev.ReceivedAt = p.now().UTC()
	ev.HoursPurchased = ledger.NormalizeHours(ev.HoursPurchased)
	receipt.LicenseKey = ev.LicenseKey

	if ev.EventID == "" {
		metrics.PaymentEventsTotal.WithLabelValues("rejected").Inc()
		return receipt, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	prior, err := p.events.GetPaymentEvent(ctx, ev.EventID)
	if err != nil {
		return receipt, fmt.Errorf("lookup payment event: %w", err)
	}
	// A redelivered event that already credited replays even if the
	// license has since been revoked.
	alreadyApplied := prior != nil && prior.Status == EventApplied
	if err := p.events.RecordPaymentEvent(ctx, ev); err != nil {
		return receipt, fmt.Errorf("record payment event: %w", err)
	}

	if reason := validate(ev); reason != "" {
		return receipt, p.reject(ctx, ev, fmt.Errorf("%w: %s", ErrMalformedEvent, reason))
	}

	lic, err := p.licenses.Get(ctx, ev.LicenseKey)
	switch {
	case errors.Is(err, license.ErrInvalidLicense):
		return receipt, p.reject(ctx, ev, ErrUnknownLicense)
	case err != nil:
		return receipt, fmt.Errorf("lookup license: %w", err)
	case !lic.Active() && !alreadyApplied:
		return receipt, p.reject(ctx, ev, ErrLicenseRevoked)
	}

	res, err := p.ledger.Credit(ctx, ev.LicenseKey, ev.HoursPurchased, ledger.ReasonPurchase, ev.EventID)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return receipt, p.reject(ctx, ev, ErrUnknownLicense)
		}
		metrics.PaymentEventsTotal.WithLabelValues("error").Inc()
		return receipt, fmt.Errorf("credit ledger: %w", err)
	}

	receipt.HoursCredited = res.Entry.DeltaHours
	receipt.HoursRemaining = res.Balance
	receipt.EntryID = res.Entry.EntryID
	receipt.Duplicate = res.Replayed

	applied := res.Entry.CreatedAt
	if applied.IsZero() {
		applied = p.now().UTC()
	}
	ev.Status = EventApplied
	ev.Detail = ""
	ev.AppliedAt = &applied
	if err := p.events.RecordPaymentEvent(ctx, ev); err != nil {
		// The credit is committed; a redelivery repairs the status.
		log.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to mark payment event applied")
	}

	if res.Replayed {
		metrics.PaymentEventsTotal.WithLabelValues("duplicate").Inc()
		log.Info().
			Str("event_id", ev.EventID).
			Str("license_key", ev.LicenseKey).
			Msg("Payment event already applied")
		return receipt, ErrDuplicatePaymentEvent
	}

	metrics.PaymentEventsTotal.WithLabelValues("applied").Inc()
	log.Info().
		Str("event_id", ev.EventID).
		Str("license_key", ev.LicenseKey).
		Str("hours", ev.HoursPurchased.String()).
		Str("hours_remaining", res.Balance.String()).
		Msg("Payment applied")
	return receipt, nil
}

func (p *Processor) reject(ctx context.Context, ev *Event, cause error) error {
	ev.Status = EventRejected
	ev.Detail = cause.Error()
	if err := p.events.RecordPaymentEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to record rejected payment event")
	}
	metrics.PaymentEventsTotal.WithLabelValues("rejected").Inc()
	log.Warn().
		Err(cause).
		Str("event_id", ev.EventID).
		Str("license_key", ev.LicenseKey).
		Msg("Payment event rejected")
	return cause
}

func validate(ev *Event) string {
	switch {
	case ev.LicenseKey == "":
		return "missing license_key"
	case !license.IsSafeKey(ev.LicenseKey):
		return "malformed license_key"
	case !ev.HoursPurchased.IsPositive():
		return "hours must be positive"
	case ev.Amount < 0:
		return "amount must not be negative"
	}
	return ""
}

// Events lists recorded payment events, newest first.
func (p *Processor) Events(ctx context.Context, licenseKey string, limit int) ([]*Event, error) {
	return p.events.ListPaymentEvents(ctx, licenseKey, limit)
}
