package outcome

import "fmt"

// Status distinguishes a clean result from a usable-but-degraded one.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result carries a value together with how it was obtained. Degraded results
// hold a substitute value and the cause that forced it; Fatal results hold
// only the cause.
type Result[T any] struct {
	Value  T
	Status Status
	Cause  error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

func Degraded[T any](v T, cause error) Result[T] {
	return Result[T]{Value: v, Status: StatusDegraded, Cause: cause}
}

func Fatal[T any](cause error) Result[T] {
	return Result[T]{Status: StatusFatal, Cause: cause}
}

func (r Result[T]) IsOK() bool       { return r.Status == StatusOK }
func (r Result[T]) IsDegraded() bool { return r.Status == StatusDegraded }
func (r Result[T]) IsFatal() bool    { return r.Status == StatusFatal }

// Unwrap returns the value and, for fatal results only, the cause.
func (r Result[T]) Unwrap() (T, error) {
	if r.Status == StatusFatal {
		var zero T
		return zero, r.Cause
	}
	return r.Value, nil
}
