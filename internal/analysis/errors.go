package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Common backend errors
var (
	// ErrTransient marks failures worth retrying: timeouts, throttling, unavailability.
	ErrTransient = errors.New("transient backend error")

	// ErrPermanent marks rejections that will not succeed on retry: quota exhaustion,
	// malformed input, permanent document errors, missing permissions.
	ErrPermanent = errors.New("permanent backend error")

	// ErrJobNotFinished is returned by GetResult while the job is still running.
	ErrJobNotFinished = errors.New("analysis job has not finished")

	// ErrJobFailed is returned by GetResult when the job itself failed.
	ErrJobFailed = errors.New("analysis job failed")

	// ErrPartialResult is returned when some of the job's documents failed.
	ErrPartialResult = errors.New("analysis result is partial")

	// ErrMalformedResult is returned when the backend response cannot be interpreted.
	ErrMalformedResult = errors.New("analysis result is malformed")

	// ErrUnsupportedFormat is returned when the document type is not supported by the backend.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrInvalidSource is returned when the source reference is incomplete.
	ErrInvalidSource = errors.New("invalid source reference")

	// ErrMissingCredentials is returned when Google Cloud credentials are not configured.
	ErrMissingCredentials = errors.New("missing Google Cloud credentials")

	// ErrInvalidConfiguration is returned when the backend configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid analysis backend configuration")
)

// BackendError wraps errors with additional context about backend failures.
type BackendError struct {
	// Op is the operation that failed (e.g., "StartJob", "GetResult").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string

	// Code is the gRPC status code returned by the backend, if any.
	Code codes.Code
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("analysis: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("analysis: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *BackendError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewBackendError creates a new BackendError with the specified operation and underlying error.
func NewBackendError(op string, err error, details string) *BackendError {
	return &BackendError{
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// WrapBackendError wraps an error as a BackendError if it isn't already one.
func WrapBackendError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return err // Already wrapped
	}

	return NewBackendError(op, err, details)
}

// IsTransient reports whether err is worth retrying.
// Unfinished jobs and partial results count as transient: the next poll may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrJobNotFinished) ||
		errors.Is(err, ErrPartialResult) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsNotFinished reports whether err means the job is still running.
func IsNotFinished(err error) bool {
	return errors.Is(err, ErrJobNotFinished)
}

// IsJobFailed reports whether the backend reported the job itself as failed.
func IsJobFailed(err error) bool {
	return errors.Is(err, ErrJobFailed)
}

// statusFromPoll maps the error of a single operation poll to a JobStatus.
func statusFromPoll(err error) (JobStatus, error) {
	switch {
	case err == nil:
		return JobSucceeded, nil
	case IsNotFinished(err):
		return JobRunning, nil
	case IsJobFailed(err):
		return JobFailed, nil
	default:
		return "", err
	}
}

// classifyRPCError converts a Google API error into a BackendError whose chain
// contains ErrTransient or ErrPermanent.
func classifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Op: op, Err: fmt.Errorf("%w: %w", ErrTransient, err), Details: "backend call timed out", Code: codes.DeadlineExceeded}
	}
	if errors.Is(err, context.Canceled) {
		return &BackendError{Op: op, Err: err, Details: "backend call was canceled", Code: codes.Canceled}
	}

	st, ok := status.FromError(err)
	if !ok {
		return &BackendError{Op: op, Err: fmt.Errorf("%w: %w", ErrTransient, err), Details: "unclassified backend error", Code: codes.Unknown}
	}

	kind := ErrPermanent
	details := st.Message()
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.Unknown:
		kind = ErrTransient
	case codes.ResourceExhausted:
		// Throttling is transient; an exhausted quota is not.
		if !strings.Contains(strings.ToLower(st.Message()), "quota") {
			kind = ErrTransient
		}
	case codes.InvalidArgument:
		details = "document format not supported or corrupted: " + st.Message()
	case codes.PermissionDenied, codes.Unauthenticated:
		details = "insufficient permissions for the analysis backend: " + st.Message()
	case codes.NotFound:
		details = "resource not found: " + st.Message()
	}

	return &BackendError{Op: op, Err: fmt.Errorf("%w: %w", kind, err), Details: details, Code: st.Code()}
}
