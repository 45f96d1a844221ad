package resultsink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
)

// Common sink errors
var (
	// ErrInvalidRef is returned for a reference no configured sink can resolve.
	ErrInvalidRef = errors.New("invalid result reference")

	// ErrNotFound is returned when the referenced result does not exist.
	ErrNotFound = errors.New("result not found")

	// ErrAccessDenied is returned when the object store rejects the credentials.
	ErrAccessDenied = errors.New("object store access denied")

	// ErrUnavailable is returned when the object store cannot be reached.
	ErrUnavailable = errors.New("object store unavailable")

	// ErrInvalidConfiguration is returned when the sink configuration is incomplete.
	ErrInvalidConfiguration = errors.New("invalid result sink configuration")
)

// SinkError wraps errors with additional context about sink failures.
type SinkError struct {
	Op      string
	Err     error
	Details string
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("resultsink: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("resultsink: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *SinkError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *SinkError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func wrap(op string, err error, details string) error {
	if err == nil {
		return nil
	}
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return err
	}
	return &SinkError{Op: op, Err: err, Details: details}
}

// classifyMinioError maps minio-go errors onto the sink sentinels.
func classifyMinioError(op string, err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey":
		return wrap(op, fmt.Errorf("%w: %v", ErrNotFound, err), resp.Code)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return wrap(op, fmt.Errorf("%w: %v", ErrAccessDenied, err), resp.Code)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "timeout") {
		return wrap(op, fmt.Errorf("%w: %v", ErrUnavailable, err), "")
	}
	return wrap(op, err, "")
}
