package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/payments"
)

const paymentColumns = `event_id, provider, event_type, license_key, hours_units, amount, currency,
	status, detail, received_at, applied_at`

// RecordPaymentEvent upserts a payment event. An applied event keeps its
// status and applied_at on redelivery; received_at is never overwritten.
func (r *Registry) RecordPaymentEvent(ctx context.Context, ev *payments.Event) error {
	if ev == nil {
		return fmt.Errorf("payment event is nil")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_events (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			license_key = excluded.license_key,
			hours_units = excluded.hours_units,
			amount = excluded.amount,
			currency = excluded.currency,
			status = CASE WHEN payment_events.status = 'applied' THEN payment_events.status ELSE excluded.status END,
			detail = CASE WHEN payment_events.status = 'applied' THEN payment_events.detail ELSE excluded.detail END,
			applied_at = COALESCE(payment_events.applied_at, excluded.applied_at)`,
		ev.EventID, ev.Provider, ev.Type, ev.LicenseKey, ledger.ToUnits(ev.HoursPurchased), ev.Amount, ev.Currency,
		string(ev.Status), ev.Detail, unixNano(ev.ReceivedAt), nullableTimeUnix(ev.AppliedAt),
	)
	if err != nil {
		return internalerrors.Unavailable("record_payment_event", err)
	}
	return nil
}

// GetPaymentEvent retrieves a payment event by id.
func (r *Registry) GetPaymentEvent(ctx context.Context, eventID string) (*payments.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_events WHERE event_id = ?`, eventID)
	ev, err := scanPaymentEvent(row)
	if err != nil {
		return nil, internalerrors.Unavailable("get_payment_event", err)
	}
	return ev, nil
}

// ListPaymentEvents returns events newest first, optionally for one license.
func (r *Registry) ListPaymentEvents(ctx context.Context, licenseKey string, limit int) ([]*payments.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if licenseKey != "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payment_events
			WHERE license_key = ? ORDER BY received_at DESC LIMIT ?`, licenseKey, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payment_events
			ORDER BY received_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, internalerrors.Unavailable("list_payment_events", err)
	}
	defer rows.Close()

	var out []*payments.Event
	for rows.Next() {
		ev, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, internalerrors.Unavailable("list_payment_events", err)
		}
		out = append(out, ev)
	}
	return out, internalerrors.Unavailable("list_payment_events", rows.Err())
}

func scanPaymentEvent(s scanner) (*payments.Event, error) {
	var ev payments.Event
	var status string
	var hours, receivedAt int64
	var appliedAt sql.NullInt64

	err := s.Scan(&ev.EventID, &ev.Provider, &ev.Type, &ev.LicenseKey, &hours, &ev.Amount, &ev.Currency,
		&status, &ev.Detail, &receivedAt, &appliedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment event: %w", err)
	}
	ev.HoursPurchased = ledger.FromUnits(hours)
	ev.Status = payments.EventStatus(status)
	ev.ReceivedAt = fromUnixNano(receivedAt)
	ev.AppliedAt = timePtr(appliedAt)
	return &ev, nil
}
