// Package registry is the SQLite store behind licenses, the hour ledger,
// usage sessions and payment events.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	_ "modernc.org/sqlite"
)

// Registry provides persistence backed by a single SQLite database.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (or creates) the database in dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "meterd.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a single
	// connection keeps transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		license_key TEXT PRIMARY KEY,
		status      TEXT NOT NULL DEFAULT 'active',
		email       TEXT NOT NULL DEFAULT '',
		label       TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		revoked_at  INTEGER
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id         INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key      TEXT NOT NULL REFERENCES licenses(license_key),
		delta_units      INTEGER NOT NULL,
		reason           TEXT NOT NULL,
		idempotency_key  TEXT,
		resulting_units  INTEGER NOT NULL,
		note             TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_license_entry ON ledger_entries(license_key, entry_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON ledger_entries(license_key, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		license_key       TEXT NOT NULL REFERENCES licenses(license_key),
		status            TEXT NOT NULL,
		started_at        INTEGER NOT NULL,
		last_heartbeat_at INTEGER NOT NULL,
		last_flushed_at   INTEGER NOT NULL,
		accumulated_ns    INTEGER NOT NULL DEFAULT 0,
		billed_units      INTEGER NOT NULL DEFAULT 0,
		flush_count       INTEGER NOT NULL DEFAULT 0,
		end_reason        TEXT NOT NULL DEFAULT '',
		ended_at          INTEGER,
		updated_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_license ON sessions(license_key, started_at);

	CREATE TABLE IF NOT EXISTS payment_events (
		event_id    TEXT PRIMARY KEY,
		provider    TEXT NOT NULL DEFAULT '',
		event_type  TEXT NOT NULL DEFAULT '',
		license_key TEXT NOT NULL DEFAULT '',
		hours_units INTEGER NOT NULL DEFAULT 0,
		amount      INTEGER NOT NULL DEFAULT 0,
		currency    TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		applied_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_payment_events_license ON payment_events(license_key, received_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	return internalerrors.Unavailable("ping", r.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
