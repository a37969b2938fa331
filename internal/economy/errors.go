package economy

import (
	"errors"
	"fmt"
)

// Rejection reasons. Both leave all state unchanged.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a request with a bad quantity, level, or key
// before anything is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RejectError carries a stock or funds rejection with a plain message for
// the participant. It unwraps to ErrInsufficientStock or ErrInsufficientFunds.
type RejectError struct {
	Reason  error
	Message string
}

func (e *RejectError) Error() string { return e.Message }

func (e *RejectError) Unwrap() error { return e.Reason }

// Reject builds a RejectError.
func Reject(reason error, format string, args ...any) error {
	return &RejectError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a failed storage operation. The operation is
// treated as not having happened.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError, passing nil through.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// RecalculationError reports a price pass that failed mid-way. Prices from
// the previous pass remain in effect.
type RecalculationError struct {
	Err error
}

func (e *RecalculationError) Error() string {
	return fmt.Sprintf("recalculation failed: %v", e.Err)
}

func (e *RecalculationError) Unwrap() error { return e.Err }
