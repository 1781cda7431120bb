package pgregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/payments"
)

const paymentColumns = `event_id, provider, event_type, license_key, hours::text, amount, currency,
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
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_events (event_id, provider, event_type, license_key, hours, amount, currency,
			status, detail, received_at, applied_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO UPDATE SET
			license_key = EXCLUDED.license_key,
			hours = EXCLUDED.hours,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = CASE WHEN payment_events.status = 'applied' THEN payment_events.status ELSE EXCLUDED.status END,
			detail = CASE WHEN payment_events.status = 'applied' THEN payment_events.detail ELSE EXCLUDED.detail END,
			applied_at = COALESCE(payment_events.applied_at, EXCLUDED.applied_at)`,
		ev.EventID, ev.Provider, ev.Type, ev.LicenseKey, numeric(ev.HoursPurchased), ev.Amount, ev.Currency,
		string(ev.Status), ev.Detail, ev.ReceivedAt.UTC(), utcPtr(ev.AppliedAt),
	)
	if err != nil {
		return internalerrors.Unavailable("record_payment_event", err)
	}
	return nil
}

// GetPaymentEvent retrieves a payment event by id.
func (r *Registry) GetPaymentEvent(ctx context.Context, eventID string) (*payments.Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_events WHERE event_id = $1`, eventID)
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
	var rows pgx.Rows
	var err error
	if licenseKey != "" {
		rows, err = r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payment_events
			WHERE license_key = $1 ORDER BY received_at DESC LIMIT $2`, licenseKey, limit)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payment_events
			ORDER BY received_at DESC LIMIT $1`, limit)
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

func scanPaymentEvent(row pgx.Row) (*payments.Event, error) {
	var ev payments.Event
	var status, hours string

	err := row.Scan(&ev.EventID, &ev.Provider, &ev.Type, &ev.LicenseKey, &hours, &ev.Amount, &ev.Currency,
		&status, &ev.Detail, &ev.ReceivedAt, &ev.AppliedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment event: %w", err)
	}
	if ev.HoursPurchased, err = parseNumeric(hours); err != nil {
		return nil, err
	}
	ev.Status = payments.EventStatus(status)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.AppliedAt = utcPtr(ev.AppliedAt)
	return &ev, nil
}
