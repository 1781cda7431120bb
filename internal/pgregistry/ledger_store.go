package pgregistry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
)

const entryColumns = `entry_id, license_key, delta_hours::text, reason, idempotency_key, resulting_hours::text, note, created_at`

// InLicenseTx runs fn in a transaction. The license row is locked by the
// first License call so concurrent writers on other replicas wait.
func (r *Registry) InLicenseTx(ctx context.Context, licenseKey string, fn func(tx ledger.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return internalerrors.Unavailable("begin_tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&ledgerTx{tx: tx, key: licenseKey}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return internalerrors.Unavailable("commit_tx", err)
	}
	return nil
}

type ledgerTx struct {
	tx  pgx.Tx
	key string
}

func (t *ledgerTx) License(ctx context.Context) (*license.License, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = $1 FOR UPDATE`, t.key)
	l, err := scanLicense(row)
	if err != nil {
		return nil, internalerrors.Unavailable("lock_license", err)
	}
	return l, nil
}

func (t *ledgerTx) LastEntry(ctx context.Context) (*ledger.Entry, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE license_key = $1 ORDER BY entry_id DESC LIMIT 1`, t.key)
	e, err := scanEntry(row)
	if err != nil {
		return nil, internalerrors.Unavailable("last_entry", err)
	}
	return e, nil
}

func (t *ledgerTx) EntryByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE license_key = $1 AND idempotency_key = $2`, t.key, key)
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
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (license_key, delta_hours, reason, idempotency_key, resulting_hours, note, created_at)
		VALUES ($1, $2::numeric, $3, $4, $5::numeric, $6, $7)
		RETURNING entry_id`,
		e.LicenseKey, numeric(e.DeltaHours), string(e.Reason), nullableString(e.IdempotencyKey),
		numeric(e.ResultingBalance), e.Note, e.CreatedAt.UTC(),
	).Scan(&e.EntryID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append entry %q: %w", e.IdempotencyKey, ledger.ErrIdempotencyConflict)
		}
		return internalerrors.Unavailable("append_entry", err)
	}
	return nil
}

// Summary derives the balance from the ledger.
func (r *Registry) Summary(ctx context.Context, licenseKey string) (ledger.Balance, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT l.status,
			COALESCE(SUM(CASE WHEN e.delta_hours > 0 THEN e.delta_hours ELSE 0 END), 0)::text,
			COALESCE(SUM(CASE WHEN e.delta_hours < 0 THEN -e.delta_hours ELSE 0 END), 0)::text
		FROM licenses l
		LEFT JOIN ledger_entries e ON e.license_key = l.license_key
		WHERE l.license_key = $1
		GROUP BY l.license_key, l.status`, licenseKey)

	var status, purchasedText, usedText string
	if err := row.Scan(&status, &purchasedText, &usedText); err != nil {
		if isNoRows(err) {
			return ledger.Balance{}, license.ErrNotFound
		}
		return ledger.Balance{}, internalerrors.Unavailable("summary", err)
	}
	purchased, err := parseNumeric(purchasedText)
	if err != nil {
		return ledger.Balance{}, err
	}
	used, err := parseNumeric(usedText)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		LicenseKey:     licenseKey,
		Status:         license.Status(status),
		PurchasedHours: ledger.NormalizeHours(purchased),
		UsedHours:      ledger.NormalizeHours(used),
		HoursRemaining: ledger.NormalizeHours(purchased.Sub(used)),
	}, nil
}

// Entries returns ledger entries oldest first. A positive limit keeps only the
// newest limit entries.
func (r *Registry) Entries(ctx context.Context, licenseKey string, limit int) ([]ledger.Entry, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = r.pool.Query(ctx, `SELECT * FROM (
			SELECT `+entryColumns+` FROM ledger_entries WHERE license_key = $1 ORDER BY entry_id DESC LIMIT $2
		) AS recent ORDER BY entry_id ASC`, licenseKey, limit)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
			WHERE license_key = $1 ORDER BY entry_id ASC`, licenseKey)
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

func scanEntry(row pgx.Row) (*ledger.Entry, error) {
	var e ledger.Entry
	var reason, delta, resulting string
	var idem *string

	if err := row.Scan(&e.EntryID, &e.LicenseKey, &delta, &reason, &idem, &resulting, &e.Note, &e.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	var err error
	if e.DeltaHours, err = parseNumeric(delta); err != nil {
		return nil, err
	}
	if e.ResultingBalance, err = parseNumeric(resulting); err != nil {
		return nil, err
	}
	e.Reason = ledger.Reason(reason)
	if idem != nil {
		e.IdempotencyKey = *idem
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
