package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
)

const entryColumns = `entry_id, license_key, delta_units, reason, idempotency_key, resulting_units, note, created_at`

// InLicenseTx runs fn inside a database transaction. Store failures are
// classified as infrastructure errors; errors returned by fn pass through
// unchanged.
func (r *Registry) InLicenseTx(ctx context.Context, licenseKey string, fn func(tx ledger.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return internalerrors.Unavailable("begin_tx", err)
	}
	if err := fn(&ledgerTx{tx: sqlTx, key: licenseKey}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return internalerrors.Unavailable("commit_tx", err)
	}
	return nil
}

type ledgerTx struct {
	tx  *sql.Tx
	key string
}

func (t *ledgerTx) License(ctx context.Context) (*license.License, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, t.key)
	l, err := scanLicense(row)
	if err != nil {
		return nil, internalerrors.Unavailable("get_license", err)
	}
	return l, nil
}

func (t *ledgerTx) LastEntry(ctx context.Context) (*ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE license_key = ? ORDER BY entry_id DESC LIMIT 1`, t.key)
	e, err := scanEntry(row)
	if err != nil {
		return nil, internalerrors.Unavailable("last_entry", err)
	}
	return e, nil
}

func (t *ledgerTx) EntryByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE license_key = ? AND idempotency_key = ?`, t.key, key)
	e, err := scanEntry(row)
	if err != nil {
		return nil, internalerrors.Unavailable("entry_by_idempotency_key", err)
	}
	return e, nil
}

func (t *ledgerTx) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	if e.LicenseKey != t.key {
		return fmt.Errorf("append entry: license %q outside transaction scope %q", e.LicenseKey, t.key)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (license_key, delta_units, reason, idempotency_key, resulting_units, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.LicenseKey, ledger.ToUnits(e.DeltaHours), string(e.Reason), nullableString(e.IdempotencyKey),
		ledger.ToUnits(e.ResultingBalance), e.Note, unixNano(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append entry %q: %w", e.IdempotencyKey, ledger.ErrIdempotencyConflict)
		}
		return internalerrors.Unavailable("append_entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return internalerrors.Unavailable("append_entry", err)
	}
	e.EntryID = id
	return nil
}

// Summary derives the balance from the ledger.
func (r *Registry) Summary(ctx context.Context, licenseKey string) (ledger.Balance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT l.status,
			COALESCE(SUM(CASE WHEN e.delta_units > 0 THEN e.delta_units ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.delta_units < 0 THEN -e.delta_units ELSE 0 END), 0)
		FROM licenses l
		LEFT JOIN ledger_entries e ON e.license_key = l.license_key
		WHERE l.license_key = ?
		GROUP BY l.license_key`, licenseKey)

	var status string
	var purchased, used int64
	if err := row.Scan(&status, &purchased, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Balance{}, license.ErrNotFound
		}
		return ledger.Balance{}, internalerrors.Unavailable("summary", err)
	}
	return ledger.Balance{
		LicenseKey:     licenseKey,
		Status:         license.Status(status),
		PurchasedHours: ledger.FromUnits(purchased),
		UsedHours:      ledger.FromUnits(used),
		HoursRemaining: ledger.FromUnits(purchased - used),
	}, nil
}

// Entries returns ledger entries oldest first. A positive limit keeps only the
// newest limit entries.
func (r *Registry) Entries(ctx context.Context, licenseKey string, limit int) ([]ledger.Entry, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM (
			SELECT `+entryColumns+` FROM ledger_entries WHERE license_key = ? ORDER BY entry_id DESC LIMIT ?
		) ORDER BY entry_id ASC`, licenseKey, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries
			WHERE license_key = ? ORDER BY entry_id ASC`, licenseKey)
	}
	if err != nil {
		return nil, internalerrors.Unavailable("list_entries", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, internalerrors.Unavailable("list_entries", err)
		}
		out = append(out, *e)
	}
	return out, internalerrors.Unavailable("list_entries", rows.Err())
}

func scanEntry(s scanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var reason string
	var idem sql.NullString
	var delta, resulting, createdAt int64

	if err := s.Scan(&e.EntryID, &e.LicenseKey, &delta, &reason, &idem, &resulting, &e.Note, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.DeltaHours = ledger.FromUnits(delta)
	e.ResultingBalance = ledger.FromUnits(resulting)
	e.Reason = ledger.Reason(reason)
	e.IdempotencyKey = idem.String
	e.CreatedAt = fromUnixNano(createdAt)
	return &e, nil
}
