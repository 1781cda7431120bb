package pgregistry

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRegistry connects to METERD_TEST_POSTGRES_DSN. Tests share the
// database, so every test uses fresh license keys.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dsn := os.Getenv("METERD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("METERD_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func freshLicense(t *testing.T, reg *Registry) string {
	t.Helper()
	key := "lk_" + ulid.Make().String()
	require.NoError(t, reg.CreateLicense(context.Background(), &license.License{Key: key}))
	return key
}

func TestLicenseLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	key := freshLicense(t, reg)

	err := reg.CreateLicense(ctx, &license.License{Key: key})
	assert.ErrorIs(t, err, license.ErrAlreadyExists)

	got, err := reg.GetLicense(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, license.StatusActive, got.Status)
	assert.Nil(t, got.RevokedAt)

	require.NoError(t, reg.RevokeLicense(ctx, key, time.Now()))
	got, err = reg.GetLicense(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, got.Status)
	assert.NotNil(t, got.RevokedAt)

	assert.ErrorIs(t, reg.RevokeLicense(ctx, "lk_"+ulid.Make().String(), time.Now()), license.ErrNotFound)

	missing, err := reg.GetLicense(ctx, "lk_"+ulid.Make().String())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerOnPostgres(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	key := freshLicense(t, reg)
	l := ledger.New(reg)

	res, err := l.Credit(ctx, key, decimal.RequireFromString("5"), ledger.ReasonPurchase, "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Written())

	res, err = l.Credit(ctx, key, decimal.RequireFromString("5"), ledger.ReasonPurchase, "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(5)))

	_, err = l.Debit(ctx, key, decimal.RequireFromString("0.01666666"), ledger.ReasonUsage, "")
	require.NoError(t, err)

	bal, err := l.Balance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "4.98333334", bal.HoursRemaining.String())
	assert.Equal(t, "0.01666666", bal.UsedHours.String())
	assert.Equal(t, "5", bal.PurchasedHours.String())

	entries, err := reg.Entries(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ReasonUsage, entries[0].Reason)

	report, err := l.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "problems: %v", report.Problems)

	_, err = reg.Summary(ctx, "lk_"+ulid.Make().String())
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestConcurrentDebitsAcrossLedgers(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	key := freshLicense(t, reg)

	_, err := ledger.New(reg).Credit(ctx, key, decimal.NewFromInt(5), ledger.ReasonPurchase, "seed")
	require.NoError(t, err)

	// Separate Ledger values model two replicas: only the row lock serializes them.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.New(reg).Debit(ctx, key, decimal.NewFromInt(3), ledger.ReasonUsage, "")
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	bal, err := reg.Summary(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "2", bal.HoursRemaining.String())
}

func TestSessionUpsert(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	key := freshLicense(t, reg)

	now := time.Now().UTC().Truncate(time.Microsecond)
	s := &session.Session{
		ID:              ulid.Make().String(),
		LicenseKey:      key,
		Status:          session.StatusActive,
		StartedAt:       now,
		LastHeartbeatAt: now,
		LastFlushedAt:   now,
		Accumulated:     5 * time.Second,
		BilledHours:     decimal.RequireFromString("0.01666666"),
		FlushCount:      1,
	}
	require.NoError(t, reg.SaveSession(ctx, s))

	active, err := reg.ListActiveSessions(ctx)
	require.NoError(t, err)
	found := false
	for _, a := range active {
		if a.ID == s.ID {
			found = true
			assert.Equal(t, 5*time.Second, a.Accumulated)
			assert.True(t, a.BilledHours.Equal(s.BilledHours))
			assert.True(t, a.StartedAt.Equal(now))
		}
	}
	assert.True(t, found, "saved session should be listed as active")

	ended := now.Add(time.Minute)
	s.Status = session.StatusFlushed
	s.EndReason = session.EndClosed
	s.EndedAt = &ended
	require.NoError(t, reg.SaveSession(ctx, s))

	got, err := reg.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.StatusFlushed, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))

	history, err := reg.ListSessions(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	missing, err := reg.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPaymentEventKeepsAppliedStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	key := freshLicense(t, reg)
	id := "evt_" + ulid.Make().String()

	applied := time.Now().UTC()
	require.NoError(t, reg.RecordPaymentEvent(ctx, &payments.Event{
		EventID: id, Provider: "hmac", Type: payments.HMACPaymentSucceeded, LicenseKey: key,
		HoursPurchased: decimal.NewFromInt(5), Amount: 1000, Currency: "usd",
		Status: payments.EventApplied, AppliedAt: &applied,
	}))
	require.NoError(t, reg.RecordPaymentEvent(ctx, &payments.Event{
		EventID: id, Provider: "hmac", Type: payments.HMACPaymentSucceeded, LicenseKey: key,
		HoursPurchased: decimal.NewFromInt(5), Amount: 1000, Currency: "usd",
		Status: payments.EventReceived,
	}))

	got, err := reg.GetPaymentEvent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payments.EventApplied, got.Status)
	assert.NotNil(t, got.AppliedAt)
	assert.True(t, got.HoursPurchased.Equal(decimal.NewFromInt(5)))

	events, err := reg.ListPaymentEvents(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNumericRoundTrip(t *testing.T) {
	assert.Equal(t, "0.01666666", numeric(decimal.RequireFromString("0.01666666")))
	assert.Equal(t, "5.00000000", numeric(decimal.NewFromInt(5)))

	d, err := parseNumeric("4.98333334")
	require.NoError(t, err)
	assert.Equal(t, "4.98333334", d.String())

	_, err = parseNumeric("not-a-number")
	assert.Error(t, err)
	assert.False(t, isUniqueViolation(errors.New("duplicate")))
}
