package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	// ErrLicenseServerUnavailable marks an infrastructure fault: the store
	// backing licenses, balances or sessions could not answer. Callers apply
	// their failure policy to it; business errors never match it.
	ErrLicenseServerUnavailable = errors.New("license server unavailable")
	ErrTimeout                  = errors.New("timeout")
)

// StoreError is a structured error for persistence operations.
type StoreError struct {
	Op        string // Operation that failed (e.g., "append_entry", "get_license")
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrLicenseServerUnavailable:
		return true
	case ErrTimeout:
		return errors.Is(e.Err, context.DeadlineExceeded)
	}
	return errors.Is(e.Err, target)
}

// Unavailable wraps a store failure so it classifies as infrastructure.
// A nil err yields nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err, Timestamp: time.Now()}
}

// IsInfrastructure reports whether err is an infrastructure fault rather than
// a business outcome. Deadline expiry counts: a lookup that timed out could
// not determine the answer.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrLicenseServerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTimeout)
}
