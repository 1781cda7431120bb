package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HourPrecision is the number of decimal places carried for hour amounts.
// One unit (1e-8 h) is 36 µs of usage.
const HourPrecision int32 = 8

// unitDuration is the wall-clock length of one hour unit.
const unitDuration = 36 * time.Microsecond

func init() {
	// Hours travel as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// NormalizeHours truncates h to HourPrecision decimal places.
func NormalizeHours(h decimal.Decimal) decimal.Decimal {
	return h.Truncate(HourPrecision)
}

// ParseHours parses a decimal hour amount such as "5" or "0.25".
func ParseHours(s string) (decimal.Decimal, error) {
	h, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse hours %q: %w", s, err)
	}
	return NormalizeHours(h), nil
}

// DurationToHours converts d into hours rounded down to HourPrecision. It also
// returns the exact duration those hours represent, so a caller metering time
// can carry the remainder (always < 36 µs) into its next conversion.
func DurationToHours(d time.Duration) (decimal.Decimal, time.Duration) {
	if d <= 0 {
		return decimal.Zero, 0
	}
	units := int64(d / unitDuration)
	return decimal.New(units, -HourPrecision), time.Duration(units) * unitDuration
}

// HoursToDuration converts an hour amount into wall-clock time, truncated to
// HourPrecision.
func HoursToDuration(h decimal.Decimal) time.Duration {
	return time.Duration(ToUnits(h)) * unitDuration
}

// ToUnits returns h as an integer count of 1e-8 hour units, truncating any
// finer precision.
func ToUnits(h decimal.Decimal) int64 {
	return h.Shift(HourPrecision).Truncate(0).IntPart()
}

// FromUnits is the inverse of ToUnits.
func FromUnits(u int64) decimal.Decimal {
	return decimal.New(u, -HourPrecision)
}
