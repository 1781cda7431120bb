// Package session meters client activity into the hour ledger.
//
// A session accumulates the time between heartbeats, capped per heartbeat,
// and periodically flushes it to the ledger as a usage debit. Each flush
// carries the idempotency key "<session_id>:<flush_count>", so retrying a
// flush after a crash never bills twice. Accumulated time is converted
// rounding down to ledger precision; the remainder stays in the
// accumulator for the next flush.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/keylock"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Debiter is the slice of the ledger the tracker writes to.
type Debiter interface {
	Debit(ctx context.Context, licenseKey string, hours decimal.Decimal, reason ledger.Reason, idempotencyKey string) (ledger.Result, error)
	Drain(ctx context.Context, licenseKey string, reason ledger.Reason, idempotencyKey string) (ledger.Result, error)
}

// Config controls session timing.
type Config struct {
	Timeout         time.Duration // idle time before a session expires
	FlushInterval   time.Duration
	MaxHeartbeatGap time.Duration // cap on time accrued by one heartbeat
	SweepInterval   time.Duration
	Retention       time.Duration // how long terminal sessions stay in memory
	MaxPerLicense   int           // <= 0 means unlimited
	LimitPolicy     LimitPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Minute,
		FlushInterval:   time.Minute,
		MaxHeartbeatGap: 90 * time.Second,
		SweepInterval:   30 * time.Second,
		Retention:       time.Hour,
		MaxPerLicense:   1,
		LimitPolicy:     LimitCloseOldest,
	}
}

type tracked struct {
	mu sync.Mutex
	s  Session
	// done mirrors s.Terminal() for readers that do not hold mu.
	done atomic.Bool
}

func newTracked(s Session) *tracked {
	tr := &tracked{s: s}
	tr.done.Store(s.Terminal())
	return tr
}

// Tracker owns the active sessions of this process.
type Tracker struct {
	cfg    Config
	ledger Debiter
	store  Store

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string

	licenseLocks keylock.Map

	mu       sync.RWMutex
	sessions map[string]*tracked
}

// NewTracker creates a tracker that debits usage through l and persists
// sessions to store.
func NewTracker(cfg Config, l Debiter, store Store) *Tracker {
	if cfg.LimitPolicy == "" {
		cfg.LimitPolicy = LimitCloseOldest
	}
	return &Tracker{
		cfg:      cfg,
		ledger:   l,
		store:    store,
		Now:      time.Now,
		NewID:    func() string { return ulid.Make().String() },
		sessions: make(map[string]*tracked),
	}
}

// Heartbeat records activity on a session. An empty sessionID continues the
// license's most recent active session or starts one; an unknown id starts a
// new session with a server-generated id. The returned session is a copy.
//
// When a flush exhausts the balance the session ends and the error matches
// ledger.ErrInsufficientBalance.
func (t *Tracker) Heartbeat(ctx context.Context, licenseKey, sessionID string) (Session, error) {
	if sessionID != "" {
		tr, err := t.lookup(ctx, sessionID)
		if err != nil {
			return Session{}, err
		}
		if tr != nil {
			if tr.s.LicenseKey != licenseKey {
				return Session{}, ErrSessionLicenseMismatch
			}
			tr.mu.Lock()
			defer tr.mu.Unlock()
			if err := terminalError(&tr.s); err != nil {
				return tr.s, err
			}
			return t.beat(ctx, tr)
		}
	}
	return t.startOrContinue(ctx, licenseKey, sessionID == "")
}

// Touch is the heartbeat the gateway issues for an allowed request.
func (t *Tracker) Touch(ctx context.Context, licenseKey, sessionID string) error {
	_, err := t.Heartbeat(ctx, licenseKey, sessionID)
	return err
}

// Close accrues the final interval, flushes and ends the session. Closing a
// session that already ended returns it unchanged. An empty sessionID closes
// the license's most recent active session.
func (t *Tracker) Close(ctx context.Context, licenseKey, sessionID string) (Session, error) {
	var tr *tracked
	if sessionID == "" {
		tr = t.latestActive(licenseKey)
	} else {
		var err error
		if tr, err = t.lookup(ctx, sessionID); err != nil {
			return Session{}, err
		}
	}
	if tr == nil {
		return Session{}, ErrSessionNotFound
	}
	if tr.s.LicenseKey != licenseKey {
		return Session{}, ErrSessionLicenseMismatch
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.s.Terminal() {
		return tr.s, nil
	}

	now := t.Now()
	if t.stale(&tr.s, now) {
		if err := t.expire(ctx, tr, EndIdle, now); err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
			return tr.s, err
		}
		return tr.s, nil
	}

	tr.s.Accumulated += t.accrual(&tr.s, now)
	tr.s.LastHeartbeatAt = now
	if err := t.flush(ctx, tr, now); err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
		// Keep the session open so the close can be retried.
		t.persist(ctx, &tr.s)
		return tr.s, err
	}
	if !tr.s.Terminal() {
		t.end(tr, StatusFlushed, EndClosed, now)
	}
	if err := t.persist(ctx, &tr.s); err != nil {
		return tr.s, err
	}
	return tr.s, nil
}

// Get returns a session by id from memory or the store.
func (t *Tracker) Get(ctx context.Context, sessionID string) (Session, error) {
	tr, err := t.lookup(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if tr == nil {
		return Session{}, ErrSessionNotFound
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.s, nil
}

// Active returns the license's active sessions, oldest first.
func (t *Tracker) Active(licenseKey string) []Session {
	var out []Session
	for _, tr := range t.activeFor(licenseKey) {
		tr.mu.Lock()
		if !tr.s.Terminal() {
			out = append(out, tr.s)
		}
		tr.mu.Unlock()
	}
	return out
}

// ActiveCount returns the number of active sessions across all licenses.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, tr := range t.sessions {
		if !tr.done.Load() {
			n++
		}
	}
	return n
}

// Restore loads the active sessions persisted by a previous process.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	sessions, err := t.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	t.mu.Lock()
	for _, s := range sessions {
		t.sessions[s.ID] = newTracked(*s)
	}
	t.mu.Unlock()
	metrics.SessionsActive.Set(float64(t.ActiveCount()))
	log.Info().Int("sessions", len(sessions)).Msg("Restored active usage sessions")
	return len(sessions), nil
}

// Sweep expires idle sessions, flushes sessions whose flush is due and
// evicts terminal sessions past retention. It returns the number expired.
func (t *Tracker) Sweep(ctx context.Context) int {
	t.mu.RLock()
	candidates := make([]*tracked, 0, len(t.sessions))
	for _, tr := range t.sessions {
		candidates = append(candidates, tr)
	}
	t.mu.RUnlock()

	expired := 0
	var evict []string
	for _, tr := range candidates {
		tr.mu.Lock()
		now := t.Now()
		switch {
		case tr.s.Terminal():
			if tr.s.EndedAt == nil || now.Sub(*tr.s.EndedAt) >= t.cfg.Retention {
				evict = append(evict, tr.s.ID)
			}
		case t.stale(&tr.s, now):
			if err := t.expire(ctx, tr, EndIdle, now); err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
				log.Warn().Err(err).Str("session_id", tr.s.ID).Msg("Failed to flush idle session; will retry")
			}
			if tr.s.Terminal() {
				expired++
			}
		case t.flushDue(&tr.s, now):
			if err := t.flush(ctx, tr, now); err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
				log.Warn().Err(err).Str("session_id", tr.s.ID).Msg("Scheduled flush failed; will retry")
			}
			t.persist(ctx, &tr.s)
		}
		tr.mu.Unlock()
	}

	if len(evict) > 0 {
		t.mu.Lock()
		for _, id := range evict {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
	}
	return expired
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Session sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session sweeper stopped")
			return nil
		case <-ticker.C:
			if n := t.Sweep(ctx); n > 0 {
				log.Info().Int("expired", n).Msg("Expired idle usage sessions")
			}
		}
	}
}

func (t *Tracker) startOrContinue(ctx context.Context, licenseKey string, continueLatest bool) (Session, error) {
	unlock, err := t.licenseLocks.Lock(ctx, licenseKey)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	now := t.Now()
	active := t.activeFor(licenseKey)

	if continueLatest {
		for i := len(active) - 1; i >= 0; i-- {
			tr := active[i]
			tr.mu.Lock()
			if !tr.s.Terminal() && !t.stale(&tr.s, now) {
				s, err := t.beat(ctx, tr)
				tr.mu.Unlock()
				return s, err
			}
			tr.mu.Unlock()
		}
	}

	// Stale sessions found on the way count as expired, not as slots in use.
	live := active[:0]
	for _, tr := range active {
		tr.mu.Lock()
		if !tr.s.Terminal() && t.stale(&tr.s, now) {
			_ = t.expire(ctx, tr, EndIdle, now)
		}
		if !tr.s.Terminal() {
			live = append(live, tr)
		}
		tr.mu.Unlock()
	}

	if max := t.cfg.MaxPerLicense; max > 0 && len(live) >= max {
		if t.cfg.LimitPolicy == LimitReject {
			metrics.SessionEventsTotal.WithLabelValues("rejected").Inc()
			return Session{}, ErrSessionLimit
		}
		for _, tr := range live[:len(live)-max+1] {
			tr.mu.Lock()
			if err := t.expire(ctx, tr, EndSuperseded, now); err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
				log.Warn().Err(err).Str("session_id", tr.s.ID).Msg("Failed to flush superseded session")
			}
			tr.mu.Unlock()
		}
	}

	tr := newTracked(Session{
		ID:              t.NewID(),
		LicenseKey:      licenseKey,
		Status:          StatusActive,
		StartedAt:       now,
		LastHeartbeatAt: now,
		LastFlushedAt:   now,
	})
	if err := t.persist(ctx, &tr.s); err != nil {
		return Session{}, err
	}
	t.mu.Lock()
	t.sessions[tr.s.ID] = tr
	t.mu.Unlock()

	metrics.SessionEventsTotal.WithLabelValues("started").Inc()
	metrics.SessionsActive.Inc()
	log.Debug().Str("license_key", licenseKey).Str("session_id", tr.s.ID).Msg("Usage session started")
	return tr.s, nil
}

// beat accrues time on an active session and flushes if due. Callers hold
// tr.mu.
func (t *Tracker) beat(ctx context.Context, tr *tracked) (Session, error) {
	now := t.Now()
	if t.stale(&tr.s, now) {
		if err := t.expire(ctx, tr, EndIdle, now); err != nil {
			return tr.s, err
		}
		return tr.s, ErrSessionExpired
	}

	tr.s.Accumulated += t.accrual(&tr.s, now)
	tr.s.LastHeartbeatAt = now

	var flushErr error
	if t.flushDue(&tr.s, now) {
		flushErr = t.flush(ctx, tr, now)
	}
	if err := t.persist(ctx, &tr.s); err != nil && flushErr == nil {
		flushErr = err
	}
	return tr.s, flushErr
}

// flush debits the whole-unit part of the accumulator. On insufficient
// balance it drains the license to zero and ends the session. Callers hold
// tr.mu.
func (t *Tracker) flush(ctx context.Context, tr *tracked, now time.Time) error {
	s := &tr.s
	hours, charged := ledger.DurationToHours(s.Accumulated)
	if hours.IsZero() {
		s.LastFlushedAt = now
		return nil
	}

	idem := fmt.Sprintf("%s:%d", s.ID, s.FlushCount)
	res, err := t.ledger.Debit(ctx, s.LicenseKey, hours, ledger.ReasonUsage, idem)
	switch {
	case err == nil:
		s.Accumulated -= charged
		s.BilledHours = s.BilledHours.Add(res.Entry.DeltaHours.Neg())
		s.FlushCount++
		s.LastFlushedAt = now
		metrics.SessionFlushesTotal.WithLabelValues("ok").Inc()
		return nil

	case errors.Is(err, ledger.ErrInsufficientBalance):
		drained, derr := t.ledger.Drain(ctx, s.LicenseKey, ledger.ReasonUsage, idem+":drain")
		if derr != nil {
			metrics.SessionFlushesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("drain exhausted balance: %w", derr)
		}
		if drained.Entry.EntryID != 0 {
			s.BilledHours = s.BilledHours.Add(drained.Entry.DeltaHours.Neg())
		}
		s.Accumulated = 0
		s.FlushCount++
		s.LastFlushedAt = now
		t.end(tr, StatusExpired, EndExhausted, now)
		metrics.SessionFlushesTotal.WithLabelValues("exhausted").Inc()
		log.Info().
			Str("license_key", s.LicenseKey).
			Str("session_id", s.ID).
			Str("billed_hours", s.BilledHours.String()).
			Msg("Usage session ended: balance exhausted")
		return err

	default:
		metrics.SessionFlushesTotal.WithLabelValues("error").Inc()
		if internalerrors.IsInfrastructure(err) {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("Usage flush deferred: ledger unavailable")
		}
		return fmt.Errorf("flush session %s: %w", s.ID, err)
	}
}

// expire flushes what the session has accrued, without counting the idle
// time since its last heartbeat, and ends it. Callers hold tr.mu.
func (t *Tracker) expire(ctx context.Context, tr *tracked, reason string, now time.Time) error {
	err := t.flush(ctx, tr, now)
	if err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
		return err
	}
	if !tr.s.Terminal() {
		t.end(tr, StatusExpired, reason, now)
	}
	if perr := t.persist(ctx, &tr.s); perr != nil && err == nil {
		err = perr
	}
	return err
}

func (t *Tracker) end(tr *tracked, status Status, reason string, now time.Time) {
	s := &tr.s
	s.Status = status
	s.EndReason = reason
	ended := now
	s.EndedAt = &ended
	tr.done.Store(true)
	metrics.SessionsActive.Dec()
	metrics.SessionEventsTotal.WithLabelValues(eventName(reason)).Inc()
	log.Debug().
		Str("license_key", s.LicenseKey).
		Str("session_id", s.ID).
		Str("reason", reason).
		Str("billed_hours", s.BilledHours.String()).
		Msg("Usage session ended")
}

func eventName(reason string) string {
	switch reason {
	case EndClosed:
		return "closed"
	case EndIdle:
		return "expired"
	case EndSuperseded:
		return "superseded"
	case EndExhausted:
		return "exhausted"
	}
	return reason
}

func (t *Tracker) persist(ctx context.Context, s *Session) error {
	if err := t.store.SaveSession(ctx, s); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to persist usage session")
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (t *Tracker) accrual(s *Session, now time.Time) time.Duration {
	gap := now.Sub(s.LastHeartbeatAt)
	if gap < 0 {
		return 0
	}
	if t.cfg.MaxHeartbeatGap > 0 && gap > t.cfg.MaxHeartbeatGap {
		return t.cfg.MaxHeartbeatGap
	}
	return gap
}

func (t *Tracker) stale(s *Session, now time.Time) bool {
	return t.cfg.Timeout > 0 && now.Sub(s.LastHeartbeatAt) > t.cfg.Timeout
}

func (t *Tracker) flushDue(s *Session, now time.Time) bool {
	return s.Accumulated > 0 && now.Sub(s.LastFlushedAt) >= t.cfg.FlushInterval
}

// lookup finds a session in memory, falling back to the store. Sessions found
// only in the store are adopted when still active.
func (t *Tracker) lookup(ctx context.Context, id string) (*tracked, error) {
	t.mu.RLock()
	tr := t.sessions[id]
	t.mu.RUnlock()
	if tr != nil {
		return tr, nil
	}

	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	tr = newTracked(*s)
	if s.Status == StatusActive {
		t.mu.Lock()
		if existing := t.sessions[id]; existing != nil {
			tr = existing
		} else {
			t.sessions[id] = tr
			metrics.SessionsActive.Inc()
		}
		t.mu.Unlock()
	}
	return tr, nil
}

// activeFor returns the license's non-terminal sessions, oldest first.
func (t *Tracker) activeFor(licenseKey string) []*tracked {
	t.mu.RLock()
	var out []*tracked
	for _, tr := range t.sessions {
		if tr.s.LicenseKey == licenseKey && !tr.done.Load() {
			out = append(out, tr)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].s.StartedAt.Equal(out[j].s.StartedAt) {
			return out[i].s.ID < out[j].s.ID
		}
		return out[i].s.StartedAt.Before(out[j].s.StartedAt)
	})
	return out
}

func (t *Tracker) latestActive(licenseKey string) *tracked {
	active := t.activeFor(licenseKey)
	if len(active) == 0 {
		return nil
	}
	return active[len(active)-1]
}

func terminalError(s *Session) error {
	switch s.Status {
	case StatusFlushed:
		return ErrSessionClosed
	case StatusExpired:
		return ErrSessionExpired
	}
	return nil
}
