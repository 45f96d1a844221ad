package jobstore

import (
	"errors"
	"fmt"
)

// Common store errors
var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("job record not found")

	// ErrConflict is returned by CompareAndSwap when the record changed since it was read.
	ErrConflict = errors.New("job record was modified concurrently")

	// ErrUnsupportedDriver is returned by Open for drivers other than sqlite3 and pgx.
	ErrUnsupportedDriver = errors.New("unsupported job store driver")

	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid job record")

	// ErrInvalidRef is returned when a result reference does not point into this store.
	ErrInvalidRef = errors.New("invalid result reference")
)

// StoreError wraps errors with additional context about store failures.
type StoreError struct {
	// Op is the operation that failed (e.g., "Create", "CompareAndSwap").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("jobstore: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("jobstore: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapStoreError wraps an error as a StoreError if it isn't already one.
func WrapStoreError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}

	return &StoreError{Op: op, Err: err, Details: details}
}
