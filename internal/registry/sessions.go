package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/session"
)

const sessionColumns = `session_id, license_key, status, started_at, last_heartbeat_at, last_flushed_at,
	accumulated_ns, billed_units, flush_count, end_reason, ended_at`

// SaveSession upserts a session row.
func (r *Registry) SaveSession(ctx context.Context, s *session.Session) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_flushed_at = excluded.last_flushed_at,
			accumulated_ns = excluded.accumulated_ns,
			billed_units = excluded.billed_units,
			flush_count = excluded.flush_count,
			end_reason = excluded.end_reason,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at`,
		s.ID, s.LicenseKey, string(s.Status), unixNano(s.StartedAt), unixNano(s.LastHeartbeatAt), unixNano(s.LastFlushedAt),
		int64(s.Accumulated), ledger.ToUnits(s.BilledHours), s.FlushCount, s.EndReason, nullableTimeUnix(s.EndedAt),
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return internalerrors.Unavailable("save_session", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (r *Registry) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, internalerrors.Unavailable("get_session", err)
	}
	return s, nil
}

// ListActiveSessions returns every active session, oldest first.
func (r *Registry) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? ORDER BY started_at ASC`, string(session.StatusActive))
	if err != nil {
		return nil, internalerrors.Unavailable("list_active_sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessions returns a license's sessions, newest first.
func (r *Registry) ListSessions(ctx context.Context, licenseKey string, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE license_key = ? ORDER BY started_at DESC LIMIT ?`, licenseKey, limit)
	if err != nil {
		return nil, internalerrors.Unavailable("list_sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*session.Session, error) {
	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, internalerrors.Unavailable("scan_sessions", err)
		}
		out = append(out, s)
	}
	return out, internalerrors.Unavailable("scan_sessions", rows.Err())
}

func scanSession(sc scanner) (*session.Session, error) {
	var s session.Session
	var status string
	var startedAt, lastHeartbeat, lastFlushed, accumulated, billed int64
	var endedAt sql.NullInt64

	err := sc.Scan(&s.ID, &s.LicenseKey, &status, &startedAt, &lastHeartbeat, &lastFlushed,
		&accumulated, &billed, &s.FlushCount, &s.EndReason, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = session.Status(status)
	s.StartedAt = fromUnixNano(startedAt)
	s.LastHeartbeatAt = fromUnixNano(lastHeartbeat)
	s.LastFlushedAt = fromUnixNano(lastFlushed)
	s.Accumulated = time.Duration(accumulated)
	s.BilledHours = ledger.FromUnits(billed)
	s.EndedAt = timePtr(endedAt)
	return &s, nil
}
