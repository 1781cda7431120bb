package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/meterd/internal/license"
	"github.com/shopspring/decimal"
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonPurchase   Reason = "purchase"
	ReasonUsage      Reason = "usage"
	ReasonAdjustment Reason = "adjustment"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonUsage, ReasonAdjustment:
		return true
	}
	return false
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("hours must be positive")
	ErrInvalidReason       = errors.New("invalid ledger reason")
	// ErrIdempotencyConflict is returned by a store when another writer
	// committed the same idempotency key first.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
)

// InsufficientBalanceError carries the balance a rejected debit saw.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %s hours, %s available", e.Requested, e.Available)
}

// Is implements errors.Is interface
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Entry is one immutable ledger row. ResultingBalance is the running sum of
// DeltaHours for the license through this entry.
type Entry struct {
	EntryID          int64           `json:"entry_id"`
	LicenseKey       string          `json:"license_key"`
	DeltaHours       decimal.Decimal `json:"delta_hours"`
	Reason           Reason          `json:"reason"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Note             string          `json:"note,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Balance is the derived view of a license's ledger.
type Balance struct {
	LicenseKey     string          `json:"license_key"`
	Status         license.Status  `json:"status"`
	PurchasedHours decimal.Decimal `json:"purchased_hours"`
	UsedHours      decimal.Decimal `json:"used_hours"`
	HoursRemaining decimal.Decimal `json:"hours_remaining"`
}

// Exhausted reports whether no hours remain.
func (b Balance) Exhausted() bool {
	return !b.HoursRemaining.IsPositive()
}

// Result is the outcome of a ledger write.
type Result struct {
	Entry    Entry
	Balance  decimal.Decimal
	Replayed bool // idempotency key matched an earlier entry; nothing written
}

// Written reports whether the call appended a new entry.
func (r Result) Written() bool {
	return !r.Replayed && r.Entry.EntryID != 0
}

// Tx is a store transaction scoped to one license. Implementations hold
// whatever lock the backend needs so that concurrent transactions on the same
// license serialize.
type Tx interface {
	// License returns the license row, or nil when it does not exist.
	License(ctx context.Context) (*license.License, error)
	// LastEntry returns the newest entry, or nil for an empty ledger.
	LastEntry(ctx context.Context) (*Entry, error)
	// EntryByIdempotencyKey returns the entry written with key, or nil.
	EntryByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
	// AppendEntry inserts e and sets e.EntryID.
	AppendEntry(ctx context.Context, e *Entry) error
}

// Store is the persistence contract of the ledger. Entries are never updated
// or deleted.
type Store interface {
	InLicenseTx(ctx context.Context, licenseKey string, fn func(tx Tx) error) error
	// Summary returns the derived balance or license.ErrNotFound.
	Summary(ctx context.Context, licenseKey string) (Balance, error)
	// Entries returns entries in entry_id order; limit <= 0 returns all.
	Entries(ctx context.Context, licenseKey string, limit int) ([]Entry, error)
}

// Observer is notified synchronously after a write commits.
type Observer interface {
	BalanceChanged(ctx context.Context, licenseKey string)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, licenseKey string)

// BalanceChanged calls f.
func (f ObserverFunc) BalanceChanged(ctx context.Context, licenseKey string) {
	f(ctx, licenseKey)
}
