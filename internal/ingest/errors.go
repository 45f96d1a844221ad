package ingest

import (
	"errors"
	"fmt"
)

// Common ingestion errors
var (
	// ErrInvalidEnvelope is returned when the payload is not valid JSON or matches no known envelope.
	ErrInvalidEnvelope = errors.New("invalid notification envelope")

	// ErrMissingField is returned when a required field (bucket, key, job id, status) is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrUnsupportedEvent is returned for well-formed notifications that are not
	// "object created" events (test events, deletions) or carry an unknown job status.
	ErrUnsupportedEvent = errors.New("unsupported event type")
)

// MalformedEventError reports a notification that cannot be turned into an event or signal.
// It is terminal for that single notification: callers log and drop it.
type MalformedEventError struct {
	// Op is the operation that failed (e.g., "Ingest", "ParseSignal").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *MalformedEventError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("ingest: %s: malformed event: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("ingest: %s: malformed event: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func malformed(op string, err error, details string) error {
	var me *MalformedEventError
	if errors.As(err, &me) {
		return err
	}
	return &MalformedEventError{Op: op, Err: err, Details: details}
}

// IsMalformed reports whether err is a MalformedEventError.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}
