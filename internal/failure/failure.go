// Package failure defines the error taxonomy shared by the backfill stages.
//
// RequestError is an explorer or network failure that survived local retries.
// NotFound marks an absent block, price, or record; callers fall back instead
// of retrying. ValidationError rejects a single malformed item, which is
// skipped. FatalError aborts the whole run.
package failure

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by errors.Is for every NotFound error.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with a description of what was missing.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RequestError is returned once an outbound request exhausted its attempts.
type RequestError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ValidationError rejects one transaction; the rest of its batch proceeds.
type ValidationError struct {
	TxID   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TxID == "" {
		return "invalid transaction: " + e.Reason
	}
	return fmt.Sprintf("invalid transaction %s: %s", e.TxID, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(txID, reason string) error {
	return &ValidationError{TxID: txID, Reason: reason}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// FatalError terminates the run. Stage names the step that failed.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal at %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError for stage. A nil err stays nil.
func Fatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Stage: stage, Err: err}
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
