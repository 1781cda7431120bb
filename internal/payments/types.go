package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicatePaymentEvent reports an event already applied. It is a
	// success from the gateway's point of view.
	ErrDuplicatePaymentEvent   = errors.New("duplicate payment event")
	ErrInvalidPaymentSignature = errors.New("invalid payment signature")
	ErrUnknownLicense          = errors.New("payment event for unknown license")
	ErrLicenseRevoked          = errors.New("payment event for revoked license")
	ErrMalformedEvent          = errors.New("malformed payment event")
	ErrCheckoutUnavailable     = errors.New("checkout not configured")
	ErrUnknownPackage          = errors.New("no package offers that many hours")
)

// EventStatus tracks how far an event got through reconciliation.
type EventStatus string

const (
	EventReceived EventStatus = "received"
	EventApplied  EventStatus = "applied"
	EventRejected EventStatus = "rejected"
)

// Event is a verified payment notification from a gateway.
type Event struct {
	EventID        string          `json:"event_id"`
	Provider       string          `json:"provider"`
	Type           string          `json:"type"`
	LicenseKey     string          `json:"license_key"`
	HoursPurchased decimal.Decimal `json:"hours_purchased"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency"`
	Status         EventStatus     `json:"status"`
	Detail         string          `json:"detail,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	AppliedAt      *time.Time      `json:"applied_at,omitempty"`
}

// EventStore records every event the processor sees. Upserts must never move
// an applied event back to another status.
type EventStore interface {
	RecordPaymentEvent(ctx context.Context, ev *Event) error
	// GetPaymentEvent returns nil, nil for an unknown id.
	GetPaymentEvent(ctx context.Context, eventID string) (*Event, error)
	ListPaymentEvents(ctx context.Context, licenseKey string, limit int) ([]*Event, error)
}
