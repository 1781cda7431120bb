package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Report is the outcome of replaying a license's ledger.
type Report struct {
	LicenseKey    string          `json:"license_key"`
	Entries       int             `json:"entries"`
	ReplayBalance decimal.Decimal `json:"replay_balance"`
	StoredBalance decimal.Decimal `json:"stored_balance"`
	Consistent    bool            `json:"consistent"`
	Problems      []string        `json:"problems,omitempty"`
}

// Verify replays every entry in entry_id order and checks that each
// resulting_balance equals the running sum, that the running sum never goes
// negative, that idempotency keys are unique and that the derived balance
// agrees with the replay.
func (l *Ledger) Verify(ctx context.Context, licenseKey string) (Report, error) {
	bal, err := l.Balance(ctx, licenseKey)
	if err != nil {
		return Report{}, err
	}
	entries, err := l.store.Entries(ctx, licenseKey, 0)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		LicenseKey:    licenseKey,
		Entries:       len(entries),
		StoredBalance: bal.HoursRemaining,
	}
	running := decimal.Zero
	seen := make(map[string]int64)
	var prevID int64
	for _, e := range entries {
		if e.EntryID <= prevID {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %d out of order after %d", e.EntryID, prevID))
		}
		prevID = e.EntryID

		running = running.Add(e.DeltaHours)
		if !running.Equal(e.ResultingBalance) {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %d: resulting_balance %s, replay %s", e.EntryID, e.ResultingBalance, running))
		}
		if running.IsNegative() {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %d: balance negative (%s)", e.EntryID, running))
		}
		if e.IdempotencyKey != "" {
			if first, dup := seen[e.IdempotencyKey]; dup {
				report.Problems = append(report.Problems, fmt.Sprintf("entry %d: idempotency key %q already used by entry %d", e.EntryID, e.IdempotencyKey, first))
			} else {
				seen[e.IdempotencyKey] = e.EntryID
			}
		}
	}
	report.ReplayBalance = running
	if !running.Equal(bal.HoursRemaining) {
		report.Problems = append(report.Problems, fmt.Sprintf("derived balance %s differs from replay %s", bal.HoursRemaining, running))
	}
	report.Consistent = len(report.Problems) == 0
	return report, nil
}
