package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSink is returned when an action names an unregistered sink.
	ErrUnknownSink = errors.New("delivery: unknown sink")

	// ErrDeadLettered is returned by Deliver when the event was moved to
	// the dead-letter table.
	ErrDeadLettered = errors.New("delivery: dead-lettered")

	// ErrDeadLetterNotFound is returned for an unknown dead-letter id.
	ErrDeadLetterNotFound = errors.New("delivery: dead letter not found")

	// ErrExportDisabled is returned when no object store is configured.
	ErrExportDisabled = errors.New("delivery: export target not configured")
)

// FatalError marks a sink failure that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so the Deliverer dead-letters it without retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is marked fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryableError marks a transient sink failure. Unmarked errors are
// treated as retryable too; the type exists so sinks can be explicit.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
