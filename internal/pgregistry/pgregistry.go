// Package pgregistry is the PostgreSQL store for deployments running more than
// one meterd replica. Hours are NUMERIC(20,8) and ledger writes row-lock the
// license so replicas serialize per license.
package pgregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/shopspring/decimal"
)

// schemaLockID serializes schema creation across replicas starting together.
const schemaLockID = 7_301_184_220

// Registry provides persistence backed by a pgx connection pool.
type Registry struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and creates the schema if needed.
func Open(ctx context.Context, databaseURL string) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	r := &Registry{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(schemaLockID)); err != nil {
		return fmt.Errorf("init schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return tx.Commit(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	license_key TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'active',
	email       TEXT NOT NULL DEFAULT '',
	label       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	revoked_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id         BIGSERIAL PRIMARY KEY,
	license_key      TEXT NOT NULL REFERENCES licenses(license_key),
	delta_hours      NUMERIC(20,8) NOT NULL,
	reason           TEXT NOT NULL,
	idempotency_key  TEXT,
	resulting_hours  NUMERIC(20,8) NOT NULL CHECK (resulting_hours >= 0),
	note             TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_license_entry ON ledger_entries(license_key, entry_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
	ON ledger_entries(license_key, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE OR REPLACE FUNCTION meterd_ledger_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger entries are append-only';
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER ledger_entries_append_only BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION meterd_ledger_append_only();

CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	license_key       TEXT NOT NULL REFERENCES licenses(license_key),
	status            TEXT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	last_heartbeat_at TIMESTAMPTZ NOT NULL,
	last_flushed_at   TIMESTAMPTZ NOT NULL,
	accumulated_ns    BIGINT NOT NULL DEFAULT 0,
	billed_hours      NUMERIC(20,8) NOT NULL DEFAULT 0,
	flush_count       INTEGER NOT NULL DEFAULT 0,
	end_reason        TEXT NOT NULL DEFAULT '',
	ended_at          TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_license ON sessions(license_key, started_at);

CREATE TABLE IF NOT EXISTS payment_events (
	event_id    TEXT PRIMARY KEY,
	provider    TEXT NOT NULL DEFAULT '',
	event_type  TEXT NOT NULL DEFAULT '',
	license_key TEXT NOT NULL DEFAULT '',
	hours       NUMERIC(20,8) NOT NULL DEFAULT 0,
	amount      BIGINT NOT NULL DEFAULT 0,
	currency    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMPTZ NOT NULL,
	applied_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_payment_events_license ON payment_events(license_key, received_at);
`

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	return internalerrors.Unavailable("ping", r.pool.Ping(ctx))
}

// Close closes the pool. It always returns nil.
func (r *Registry) Close() error {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// numeric renders hours for a $n::numeric parameter.
func numeric(h decimal.Decimal) string {
	return h.StringFixed(8)
}

func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
