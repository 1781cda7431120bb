package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Delivery is an authenticated webhook notification. Event is nil for
// notification types that never move money.
type Delivery struct {
	EventID string
	Type    string
	Event   *Event
}

// Verifier authenticates a raw webhook delivery and decodes it.
type Verifier interface {
	Provider() string
	// SignatureHeader names the HTTP header that carries the signature.
	SignatureHeader() string
	// Verify fails with ErrInvalidPaymentSignature for unauthentic payloads
	// and ErrMalformedEvent for authentic ones that cannot be decoded.
	Verify(payload []byte, signature string) (Delivery, error)
}

// NewVerifier returns the verifier for provider ("stripe" or "hmac").
func NewVerifier(provider, secret string) (Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("payment webhook secret is empty")
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "stripe":
		return &StripeVerifier{Secret: secret}, nil
	case "hmac":
		return &HMACVerifier{Secret: secret}, nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", provider)
}

// Stripe checkout event types that credit hours.
const (
	stripeCheckoutCompleted     = "checkout.session.completed"
	stripeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// StripeVerifier checks the Stripe-Signature scheme.
type StripeVerifier struct {
	Secret string
}

func (v *StripeVerifier) Provider() string        { return "stripe" }
func (v *StripeVerifier) SignatureHeader() string { return "Stripe-Signature" }

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (v *StripeVerifier) Verify(payload []byte, signature string) (Delivery, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrInvalidPaymentSignature, err)
	}
	d := Delivery{EventID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case stripeCheckoutCompleted, stripeAsyncPaymentSucceeded:
	default:
		return d, nil
	}

	var cs CheckoutSession
	if event.Data == nil {
		return d, fmt.Errorf("%w: event has no data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return d, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformedEvent, err)
	}
	if cs.Mode != "" && cs.Mode != string(stripelib.CheckoutSessionModePayment) {
		return d, nil
	}
	// A completed checkout with a delayed payment method is credited when the
	// async_payment_succeeded event arrives.
	if cs.PaymentStatus != string(stripelib.CheckoutSessionPaymentStatusPaid) {
		return d, nil
	}

	key := strings.TrimSpace(cs.Metadata["license_key"])
	if key == "" {
		key = strings.TrimSpace(cs.ClientReferenceID)
	}
	hours, err := parseHoursField(cs.Metadata["hours"])
	if err != nil {
		return d, err
	}
	d.Event = &Event{
		EventID:        event.ID,
		Provider:       v.Provider(),
		Type:           d.Type,
		LicenseKey:     key,
		HoursPurchased: hours,
		Amount:         cs.AmountTotal,
		Currency:       strings.ToLower(cs.Currency),
	}
	return d, nil
}

// HMACVerifier checks a hex HMAC-SHA256 of the raw body sent as
// "X-Signature: sha256=<hex>". The body is a flat JSON payment notification.
type HMACVerifier struct {
	Secret string
}

// HMACPaymentSucceeded is the only generic notification type that credits hours.
const HMACPaymentSucceeded = "payment.succeeded"

type hmacPayload struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	LicenseKey string          `json:"license_key"`
	Hours      decimal.Decimal `json:"hours"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency"`
}

func (v *HMACVerifier) Provider() string        { return "hmac" }
func (v *HMACVerifier) SignatureHeader() string { return "X-Signature" }

// Sign returns the header value for payload.
func (v *HMACVerifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(payload []byte, signature string) (Delivery, error) {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) != sha256.Size {
		return Delivery{}, fmt.Errorf("%w: signature is not a sha256 hex digest", ErrInvalidPaymentSignature)
	}
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return Delivery{}, fmt.Errorf("%w: digest mismatch", ErrInvalidPaymentSignature)
	}

	var p hmacPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	d := Delivery{EventID: strings.TrimSpace(p.EventID), Type: p.Type}
	if p.Type != HMACPaymentSucceeded {
		return d, nil
	}
	d.Event = &Event{
		EventID:        d.EventID,
		Provider:       v.Provider(),
		Type:           p.Type,
		LicenseKey:     strings.TrimSpace(p.LicenseKey),
		HoursPurchased: p.Hours,
		Amount:         p.Amount,
		Currency:       strings.ToLower(p.Currency),
	}
	return d, nil
}

func parseHoursField(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	h, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: hours %q: %v", ErrMalformedEvent, raw, err)
	}
	return h, nil
}
