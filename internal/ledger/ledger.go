// Package ledger is the append-only hour ledger and the only place balances
// change.
//
// Every write runs under a per-license lock and a store transaction: read the
// last entry, compute the next balance, refuse a debit that would go negative,
// append. Licenses never contend with each other. Writes that carry an
// idempotency key already seen for the license return the earlier result and
// write nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/meterd/internal/keylock"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Ledger mediates all balance mutations.
type Ledger struct {
	store     Store
	locks     keylock.Map
	observers []Observer
	now       func() time.Time
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Observe registers o to be notified after every committed write. Observers
// run synchronously on the writer's goroutine, before the write returns.
func (l *Ledger) Observe(o Observer) {
	l.observers = append(l.observers, o)
}

type write struct {
	op     string
	key    string
	delta  decimal.Decimal
	reason Reason
	idem   string
	note   string
	drain  bool
}

// Credit adds hours to a license. A repeated idempotency key returns the
// ledger's earlier result without writing.
func (l *Ledger) Credit(ctx context.Context, licenseKey string, hours decimal.Decimal, reason Reason, idempotencyKey string) (Result, error) {
	hours = NormalizeHours(hours)
	if !hours.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	return l.apply(ctx, write{op: "credit", key: licenseKey, delta: hours, reason: reason, idem: idempotencyKey})
}

// Debit removes hours from a license, failing with ErrInsufficientBalance if
// the balance would go below zero. idempotencyKey may be empty.
func (l *Ledger) Debit(ctx context.Context, licenseKey string, hours decimal.Decimal, reason Reason, idempotencyKey string) (Result, error) {
	hours = NormalizeHours(hours)
	if !hours.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	return l.apply(ctx, write{op: "debit", key: licenseKey, delta: hours.Neg(), reason: reason, idem: idempotencyKey})
}

// Drain debits whatever balance remains, leaving exactly zero. With nothing
// left it writes no entry.
func (l *Ledger) Drain(ctx context.Context, licenseKey string, reason Reason, idempotencyKey string) (Result, error) {
	return l.apply(ctx, write{op: "drain", key: licenseKey, reason: reason, idem: idempotencyKey, drain: true})
}

// Adjust applies a signed administrative correction with a note.
func (l *Ledger) Adjust(ctx context.Context, licenseKey string, delta decimal.Decimal, note, idempotencyKey string) (Result, error) {
	delta = NormalizeHours(delta)
	if delta.IsZero() {
		return Result{}, ErrInvalidAmount
	}
	op := "credit"
	if delta.IsNegative() {
		op = "debit"
	}
	return l.apply(ctx, write{op: op, key: licenseKey, delta: delta, reason: ReasonAdjustment, idem: idempotencyKey, note: note})
}

func (l *Ledger) apply(ctx context.Context, w write) (res Result, err error) {
	if !w.reason.Valid() {
		return Result{}, ErrInvalidReason
	}
	w.idem = strings.TrimSpace(w.idem)

	start := time.Now()
	defer func() {
		metrics.LedgerWriteDuration.WithLabelValues(w.op).Observe(time.Since(start).Seconds())
		metrics.LedgerWritesTotal.WithLabelValues(w.op, writeOutcome(res, err)).Inc()
	}()

	unlock, err := l.locks.Lock(ctx, w.key)
	if err != nil {
		return Result{}, fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer unlock()

	err = l.store.InLicenseTx(ctx, w.key, func(tx Tx) error {
		lic, err := tx.License(ctx)
		if err != nil {
			return err
		}
		if lic == nil {
			return license.ErrNotFound
		}

		if w.idem != "" {
			prior, err := tx.EntryByIdempotencyKey(ctx, w.idem)
			if err != nil {
				return err
			}
			if prior != nil {
				res = Result{Entry: *prior, Balance: prior.ResultingBalance, Replayed: true}
				return nil
			}
		}

		current := decimal.Zero
		last, err := tx.LastEntry(ctx)
		if err != nil {
			return err
		}
		if last != nil {
			current = last.ResultingBalance
		}

		delta := w.delta
		if w.drain {
			if !current.IsPositive() {
				res = Result{Balance: current}
				return nil
			}
			delta = current.Neg()
		}

		next := current.Add(delta)
		if next.IsNegative() {
			return &InsufficientBalanceError{Available: current, Requested: delta.Neg()}
		}

		e := &Entry{
			LicenseKey:       w.key,
			DeltaHours:       delta,
			Reason:           w.reason,
			IdempotencyKey:   w.idem,
			ResultingBalance: next,
			Note:             w.note,
			CreatedAt:        l.now().UTC(),
		}
		if err := tx.AppendEntry(ctx, e); err != nil {
			return err
		}
		res = Result{Entry: *e, Balance: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.Replayed {
		log.Debug().
			Str("license_key", w.key).
			Str("idempotency_key", w.idem).
			Int64("entry_id", res.Entry.EntryID).
			Msg("Ledger write replayed")
		return res, nil
	}
	if !res.Written() {
		return res, nil
	}

	direction := "credit"
	if res.Entry.DeltaHours.IsNegative() {
		direction = "debit"
	}
	metrics.HoursTotal.WithLabelValues(direction, string(w.reason)).Add(res.Entry.DeltaHours.Abs().InexactFloat64())

	for _, o := range l.observers {
		o.BalanceChanged(ctx, w.key)
	}
	return res, nil
}

func writeOutcome(res Result, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil && !res.Written():
		return "noop"
	case err == nil:
		return "applied"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	default:
		return "error"
	}
}

// Balance returns the derived balance straight from the store.
func (l *Ledger) Balance(ctx context.Context, licenseKey string) (Balance, error) {
	if !license.IsSafeKey(licenseKey) {
		return Balance{}, license.ErrNotFound
	}
	return l.store.Summary(ctx, licenseKey)
}

// Entries returns the license's entries oldest first.
func (l *Ledger) Entries(ctx context.Context, licenseKey string, limit int) ([]Entry, error) {
	return l.store.Entries(ctx, licenseKey, limit)
}
