package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/session"
	"github.com/shopspring/decimal"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func mustCreateLicense(t *testing.T, reg *Registry, key string) {
	t.Helper()
	if err := reg.CreateLicense(context.Background(), &license.License{Key: key, Status: license.StatusActive}); err != nil {
		t.Fatalf("CreateLicense(%s): %v", key, err)
	}
}

func TestLicenseCRUD(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	l := &license.License{Key: "lk_TEST00001", Email: "ops@example.com", Label: "ci"}
	if err := reg.CreateLicense(ctx, l); err != nil {
		t.Fatalf("CreateLicense: %v", err)
	}
	if l.CreatedAt.IsZero() || l.Status != license.StatusActive {
		t.Fatalf("expected defaults to be filled, got %+v", l)
	}
	if err := reg.CreateLicense(ctx, &license.License{Key: "lk_TEST00001"}); !errors.Is(err, license.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := reg.GetLicense(ctx, "lk_TEST00001")
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got == nil || got.Email != "ops@example.com" || got.Label != "ci" {
		t.Fatalf("unexpected license %+v", got)
	}

	missing, err := reg.GetLicense(ctx, "lk_NOPE")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing license, got %+v, %v", missing, err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := reg.RevokeLicense(ctx, "lk_TEST00001", at); err != nil {
		t.Fatalf("RevokeLicense: %v", err)
	}
	got, _ = reg.GetLicense(ctx, "lk_TEST00001")
	if got.Status != license.StatusRevoked || got.RevokedAt == nil || !got.RevokedAt.Equal(at) {
		t.Fatalf("expected revoked license, got %+v", got)
	}
	if err := reg.RevokeLicense(ctx, "lk_NOPE", at); !errors.Is(err, license.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := reg.ListLicenses(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListLicenses = %d, %v", len(all), err)
	}
}

func appendEntry(t *testing.T, reg *Registry, key string, delta, resulting, idem string) ledger.Entry {
	t.Helper()
	var out ledger.Entry
	err := reg.InLicenseTx(context.Background(), key, func(tx ledger.Tx) error {
		e := &ledger.Entry{
			LicenseKey:       key,
			DeltaHours:       decimal.RequireFromString(delta),
			Reason:           ledger.ReasonPurchase,
			IdempotencyKey:   idem,
			ResultingBalance: decimal.RequireFromString(resulting),
			CreatedAt:        time.Now(),
		}
		if err := tx.AppendEntry(context.Background(), e); err != nil {
			return err
		}
		out = *e
		return nil
	})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}
	return out
}

func TestLedgerEntriesAndSummary(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	mustCreateLicense(t, reg, "L1")

	bal, err := reg.Summary(ctx, "L1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !bal.HoursRemaining.IsZero() || bal.Status != license.StatusActive {
		t.Fatalf("expected empty balance, got %+v", bal)
	}

	first := appendEntry(t, reg, "L1", "5", "5", "evt_1")
	second := appendEntry(t, reg, "L1", "-1.25", "3.75", "")
	if second.EntryID <= first.EntryID {
		t.Fatalf("entry ids must increase: %d then %d", first.EntryID, second.EntryID)
	}

	bal, err = reg.Summary(ctx, "L1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if bal.PurchasedHours.String() != "5" || bal.UsedHours.String() != "1.25" || bal.HoursRemaining.String() != "3.75" {
		t.Fatalf("unexpected balance %+v", bal)
	}

	entries, err := reg.Entries(ctx, "L1", 0)
	if err != nil || len(entries) != 2 {
		t.Fatalf("Entries = %d, %v", len(entries), err)
	}
	if entries[0].IdempotencyKey != "evt_1" || entries[1].IdempotencyKey != "" {
		t.Fatalf("unexpected idempotency keys %q, %q", entries[0].IdempotencyKey, entries[1].IdempotencyKey)
	}

	latest, err := reg.Entries(ctx, "L1", 1)
	if err != nil || len(latest) != 1 || latest[0].EntryID != second.EntryID {
		t.Fatalf("expected only the newest entry, got %+v, %v", latest, err)
	}

	if _, err := reg.Summary(ctx, "missing"); !errors.Is(err, license.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerIdempotencyKeyIsUniquePerLicense(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	mustCreateLicense(t, reg, "L1")
	mustCreateLicense(t, reg, "L2")

	appendEntry(t, reg, "L1", "5", "5", "evt_1")
	// The same key on another license is independent.
	appendEntry(t, reg, "L2", "5", "5", "evt_1")

	err := reg.InLicenseTx(ctx, "L1", func(tx ledger.Tx) error {
		return tx.AppendEntry(ctx, &ledger.Entry{
			LicenseKey: "L1", DeltaHours: decimal.NewFromInt(5), Reason: ledger.ReasonPurchase,
			IdempotencyKey: "evt_1", ResultingBalance: decimal.NewFromInt(10), CreatedAt: time.Now(),
		})
	})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}

	err = reg.InLicenseTx(ctx, "L1", func(tx ledger.Tx) error {
		e, err := tx.EntryByIdempotencyKey(ctx, "evt_1")
		if err != nil {
			return err
		}
		if e == nil || !e.ResultingBalance.Equal(decimal.NewFromInt(5)) {
			t.Errorf("unexpected entry %+v", e)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLedgerEntriesAreAppendOnly(t *testing.T) {
	reg := newTestRegistry(t)
	mustCreateLicense(t, reg, "L1")
	appendEntry(t, reg, "L1", "5", "5", "")

	if _, err := reg.db.Exec(`UPDATE ledger_entries SET delta_units = 0`); err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected update to be refused, got %v", err)
	}
	if _, err := reg.db.Exec(`DELETE FROM ledger_entries`); err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected delete to be refused, got %v", err)
	}
}

func TestInLicenseTxRollsBackOnError(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	mustCreateLicense(t, reg, "L1")

	sentinel := errors.New("business rule")
	err := reg.InLicenseTx(ctx, "L1", func(tx ledger.Tx) error {
		if err := tx.AppendEntry(ctx, &ledger.Entry{
			LicenseKey: "L1", DeltaHours: decimal.NewFromInt(1), Reason: ledger.ReasonPurchase,
			ResultingBalance: decimal.NewFromInt(1), CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel to pass through, got %v", err)
	}
	if internalerrors.IsInfrastructure(err) {
		t.Fatal("business error must not be classified as infrastructure")
	}
	entries, _ := reg.Entries(ctx, "L1", 0)
	if len(entries) != 0 {
		t.Fatalf("expected rollback, found %d entries", len(entries))
	}
}

func TestClosedRegistryReportsUnavailable(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_ = reg.Close()

	_, err = reg.Summary(context.Background(), "L1")
	if !errors.Is(err, internalerrors.ErrLicenseServerUnavailable) {
		t.Fatalf("expected ErrLicenseServerUnavailable, got %v", err)
	}
	if err := reg.Ping(context.Background()); !internalerrors.IsInfrastructure(err) {
		t.Fatalf("expected ping failure to be infrastructure, got %v", err)
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	mustCreateLicense(t, reg, "L1")

	now := time.Now().UTC()
	s := &session.Session{
		ID:              "01J0000000000000000000000A",
		LicenseKey:      "L1",
		Status:          session.StatusActive,
		StartedAt:       now,
		LastHeartbeatAt: now.Add(10 * time.Second),
		LastFlushedAt:   now,
		Accumulated:     10*time.Second + 5*time.Millisecond,
		BilledHours:     decimal.Zero,
	}
	if err := reg.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := reg.GetSession(ctx, s.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession = %+v, %v", got, err)
	}
	if got.Accumulated != s.Accumulated || !got.LastHeartbeatAt.Equal(s.LastHeartbeatAt) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	active, err := reg.ListActiveSessions(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveSessions = %d, %v", len(active), err)
	}

	ended := now.Add(time.Minute)
	s.Status = session.StatusFlushed
	s.EndReason = session.EndClosed
	s.EndedAt = &ended
	s.BilledHours = decimal.RequireFromString("0.01666666")
	s.FlushCount = 1
	s.Accumulated = 0
	if err := reg.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, _ = reg.GetSession(ctx, s.ID)
	if got.Status != session.StatusFlushed || got.EndedAt == nil || got.FlushCount != 1 || got.BilledHours.String() != "0.01666666" {
		t.Fatalf("unexpected updated session %+v", got)
	}
	active, _ = reg.ListActiveSessions(ctx)
	if len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}
	byLicense, err := reg.ListSessions(ctx, "L1", 10)
	if err != nil || len(byLicense) != 1 {
		t.Fatalf("ListSessions = %d, %v", len(byLicense), err)
	}

	missing, err := reg.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil, got %+v, %v", missing, err)
	}
}

func TestPaymentEventsNeverLeaveApplied(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	ev := &payments.Event{
		EventID:        "evt_1",
		Provider:       "stripe",
		Type:           "checkout.session.completed",
		LicenseKey:     "L1",
		HoursPurchased: decimal.NewFromInt(5),
		Amount:         1000,
		Currency:       "usd",
		Status:         payments.EventReceived,
	}
	if err := reg.RecordPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("RecordPaymentEvent: %v", err)
	}

	applied := time.Now().UTC()
	ev.Status = payments.EventApplied
	ev.AppliedAt = &applied
	if err := reg.RecordPaymentEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	// Redelivery records "received" again; the applied status must survive.
	redelivered := *ev
	redelivered.Status = payments.EventReceived
	redelivered.AppliedAt = nil
	if err := reg.RecordPaymentEvent(ctx, &redelivered); err != nil {
		t.Fatal(err)
	}

	got, err := reg.GetPaymentEvent(ctx, "evt_1")
	if err != nil || got == nil {
		t.Fatalf("GetPaymentEvent = %+v, %v", got, err)
	}
	if got.Status != payments.EventApplied || got.AppliedAt == nil {
		t.Fatalf("expected applied event, got %+v", got)
	}
	if !got.HoursPurchased.Equal(decimal.NewFromInt(5)) || got.Amount != 1000 {
		t.Fatalf("unexpected event fields %+v", got)
	}

	list, err := reg.ListPaymentEvents(ctx, "L1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPaymentEvents = %d, %v", len(list), err)
	}
	all, err := reg.ListPaymentEvents(ctx, "", 10)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListPaymentEvents(all) = %d, %v", len(all), err)
	}
}
