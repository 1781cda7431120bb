package pgregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/session"
)

const sessionColumns = `session_id, license_key, status, started_at, last_heartbeat_at, last_flushed_at,
	accumulated_ns, billed_hours::text, flush_count, end_reason, ended_at`

// SaveSession upserts a session row.
func (r *Registry) SaveSession(ctx context.Context, s *session.Session) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, license_key, status, started_at, last_heartbeat_at, last_flushed_at,
			accumulated_ns, billed_hours, flush_count, end_reason, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_flushed_at = EXCLUDED.last_flushed_at,
			accumulated_ns = EXCLUDED.accumulated_ns,
			billed_hours = EXCLUDED.billed_hours,
			flush_count = EXCLUDED.flush_count,
			end_reason = EXCLUDED.end_reason,
			ended_at = EXCLUDED.ended_at,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.LicenseKey, string(s.Status), s.StartedAt.UTC(), s.LastHeartbeatAt.UTC(), s.LastFlushedAt.UTC(),
		int64(s.Accumulated), numeric(s.BilledHours), s.FlushCount, s.EndReason, utcPtr(s.EndedAt),
		time.Now().UTC(),
	)
	if err != nil {
		return internalerrors.Unavailable("save_session", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (r *Registry) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, internalerrors.Unavailable("get_session", err)
	}
	return s, nil
}

// ListActiveSessions returns every active session, oldest first.
func (r *Registry) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = $1 ORDER BY started_at ASC`, string(session.StatusActive))
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
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE license_key = $1 ORDER BY started_at DESC LIMIT $2`, licenseKey, limit)
	if err != nil {
		return nil, internalerrors.Unavailable("list_sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows pgx.Rows) ([]*session.Session, error) {
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

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	var status, billed string
	var accumulated int64

	err := row.Scan(&s.ID, &s.LicenseKey, &status, &s.StartedAt, &s.LastHeartbeatAt, &s.LastFlushedAt,
		&accumulated, &billed, &s.FlushCount, &s.EndReason, &s.EndedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if s.BilledHours, err = parseNumeric(billed); err != nil {
		return nil, err
	}
	s.Status = session.Status(status)
	s.StartedAt = s.StartedAt.UTC()
	s.LastHeartbeatAt = s.LastHeartbeatAt.UTC()
	s.LastFlushedAt = s.LastFlushedAt.UTC()
	s.Accumulated = time.Duration(accumulated)
	s.EndedAt = utcPtr(s.EndedAt)
	return &s, nil
}
