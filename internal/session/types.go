package session

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a usage session.
type Status string

const (
	StatusActive Status = "active"
	// StatusFlushed is terminal: the client closed the session and its final
	// usage was flushed.
	StatusFlushed Status = "flushed"
	// StatusExpired is terminal: swept after idling, superseded by a newer
	// session, or stopped because the balance ran out.
	StatusExpired Status = "expired"
)

// End reasons recorded on terminal sessions.
const (
	EndClosed     = "closed"
	EndIdle       = "idle_timeout"
	EndSuperseded = "superseded"
	EndExhausted  = "balance_exhausted"
)

var (
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionClosed          = errors.New("session closed")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionLimit           = errors.New("concurrent session limit reached")
	ErrSessionLicenseMismatch = errors.New("session belongs to another license")
)

// LimitPolicy decides what happens when a license already has the maximum
// number of active sessions.
type LimitPolicy string

const (
	LimitReject      LimitPolicy = "reject"
	LimitCloseOldest LimitPolicy = "close_oldest"
)

// Session is one continuous period of client activity.
type Session struct {
	ID              string          `json:"session_id"`
	LicenseKey      string          `json:"license_key"`
	Status          Status          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	LastFlushedAt   time.Time       `json:"last_flushed_at"`
	Accumulated     time.Duration   `json:"-"`
	BilledHours     decimal.Decimal `json:"billed_hours"`
	FlushCount      int             `json:"flush_count"`
	EndReason       string          `json:"end_reason,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// AccumulatedSeconds is the unflushed usage in seconds.
func (s Session) AccumulatedSeconds() float64 {
	return s.Accumulated.Seconds()
}

// Terminal reports whether the session no longer accepts heartbeats.
func (s Session) Terminal() bool {
	return s.Status != StatusActive
}

// Store persists the mutable session table.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	// GetSession returns nil, nil for an unknown id.
	GetSession(ctx context.Context, id string) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]*Session, error)
	ListSessions(ctx context.Context, licenseKey string, limit int) ([]*Session, error)
}
