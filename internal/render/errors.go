package render

import (
	"errors"
	"fmt"
)

// FatalError marks a failure that retrying cannot fix: corrupt input assets,
// quota violations, unsupported payload content. The worker fails the job
// immediately without consuming retries.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a non-retryable error.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err (or anything it wraps) is non-retryable.
// Every other execution error is treated as transient and retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
