package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/snapshot"
)

// IntegrityError is raised when a selected snapshot fails verification.
// Replay aborts; no state is returned.
type IntegrityError = snapshot.IntegrityError

// DecodeError is raised when a verified snapshot cannot be decoded.
// Handled exactly like IntegrityError.
type DecodeError = snapshot.DecodeError

// TimeoutError reports a replay that did not finish before its deadline.
// The partial fold is discarded; a TimeoutError never carries state.
type TimeoutError struct {
	UserID string
	Target time.Time
	// Applied is the number of deltas folded before the deadline hit.
	Applied int
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("replay for %s at %s incomplete after %d deltas: %v",
		e.UserID, e.Target.Format(time.RFC3339), e.Applied, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ErrorCode categorizes replay errors.
type ErrorCode string

const (
	// ErrCodeUpdateOnMissing indicates an UPDATE for a resource absent from
	// the reconstructed state under the strict update policy.
	ErrCodeUpdateOnMissing ErrorCode = "UPDATE_ON_MISSING"

	// ErrCodeInvalidDelta indicates a delta the applicator cannot fold.
	ErrCodeInvalidDelta ErrorCode = "INVALID_DELTA"
)

// ReplayError represents a fatal problem found while folding the delta tail.
type ReplayError struct {
	Code    ErrorCode
	Message string
	UserID  string
	DeltaID string
	Err     error
}

func (e *ReplayError) Error() string {
	if e.DeltaID != "" {
		return fmt.Sprintf("%s: %s (user=%s, delta=%s)", e.Code, e.Message, e.UserID, e.DeltaID)
	}
	return fmt.Sprintf("%s: %s (user=%s)", e.Code, e.Message, e.UserID)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsIntegrityError returns true if err is or wraps an *IntegrityError.
func IsIntegrityError(err error) bool {
	return snapshot.IsIntegrityError(err)
}

// IsDecodeError returns true if err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	return snapshot.IsDecodeError(err)
}

// IsTimeout returns true if err is or wraps a *TimeoutError.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsUpdateOnMissing returns true if err is a strict-policy UPDATE violation.
func IsUpdateOnMissing(err error) bool {
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Code == ErrCodeUpdateOnMissing
	}
	return false
}
