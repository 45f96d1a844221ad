package orchestrator

import (
	"errors"
	"fmt"

	"docpipeline/pkg/models"
)

// Common orchestrator errors
var (
	// ErrDuplicateSignal is returned for a completion signal whose record has
	// already moved past STARTED. The signal is dropped without effect.
	ErrDuplicateSignal = errors.New("duplicate completion signal")

	// ErrMalformedSignal is returned for a completion signal whose outcome is
	// neither SUCCEEDED nor FAILED. The signal is dropped without effect.
	ErrMalformedSignal = errors.New("malformed completion signal")

	// ErrNotAwaitingResult is returned by Fetch for a record that is neither
	// AWAITING_RESULT nor SUCCEEDED.
	ErrNotAwaitingResult = errors.New("job is not awaiting its result")

	// ErrTooManyConflicts is returned when a transition keeps losing the
	// compare-and-swap race.
	ErrTooManyConflicts = errors.New("too many concurrent updates")

	// ErrJobIDImmutable is returned when a write would change an already recorded job id.
	ErrJobIDImmutable = errors.New("job id is already set")

	// errClaimLost aborts a launch claim taken by someone else.
	errClaimLost = errors.New("launch claim already taken")
)

// TransitionError reports a transition the state machine does not allow.
// Nothing is written when it is returned.
type TransitionError struct {
	DedupeKey string
	From      models.JobState
	To        models.JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("orchestrator: transition %s -> %s not allowed for %s", e.From, e.To, e.DedupeKey)
}

// IsTransitionError reports whether err is a rejected transition.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// UnknownJobError is returned for a completion signal or fetch whose job id
// matches no record. It never changes any record.
type UnknownJobError struct {
	JobID string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("orchestrator: unknown job id %q", e.JobID)
}

// LaunchError is returned when a job could not be started. The record is
// ERRORED when it is returned.
type LaunchError struct {
	DedupeKey string
	Attempts  int

	// Permanent is true when the backend rejected the job. False means the
	// transient retries were exhausted.
	Permanent bool

	Err error
}

func (e *LaunchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("orchestrator: launch of %s failed (%s, %d attempts): %v", e.DedupeKey, kind, e.Attempts, e.Err)
}

// Unwrap returns the last backend error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ResultUnavailableError is returned when the result of a finished job could
// not be retrieved. The record is ERRORED when it is returned.
type ResultUnavailableError struct {
	JobID string

	// Attempts counts the GetResult calls of the failing Fetch. The record's
	// FetchAttempt also includes earlier fetches of the same job.
	Attempts int

	Err error
}

func (e *ResultUnavailableError) Error() string {
	return fmt.Sprintf("orchestrator: result of job %s unavailable after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

// Unwrap returns the last fetch error.
func (e *ResultUnavailableError) Unwrap() error {
	return e.Err
}
