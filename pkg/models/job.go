package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// JobState is the lifecycle state of a JobRecord.
type JobState string

const (
	StatePending        JobState = "PENDING"
	StateStarted        JobState = "STARTED"
	StateAwaitingResult JobState = "AWAITING_RESULT"
	StateSucceeded      JobState = "SUCCEEDED"
	StateFailed         JobState = "FAILED"
	StateErrored        JobState = "ERRORED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	StatePending,
	StateStarted,
	StateAwaitingResult,
	StateSucceeded,
	StateFailed,
	StateErrored,
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateErrored
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

func (s JobState) String() string {
	return string(s)
}

// Reasons recorded on terminal failures.
const (
	ReasonTimeout           = "timeout"
	ReasonLaunchRejected    = "launch_rejected"
	ReasonLaunchExhausted   = "launch_retries_exhausted"
	ReasonResultUnavailable = "result_unavailable"
	ReasonBackendFailed     = "backend_reported_failure"
)

// SourceReadyEvent is the canonical form of an "object created" notification.
type SourceReadyEvent struct {
	SourceID   string    // bucket/key
	Bucket     string    // Bucket or container name
	Key        string    // Object key, URL-decoded
	DedupeKey  string    // Derived from SourceID, see DedupeKeyFor
	EventTime  time.Time // Event time reported by the producer (zero if absent)
	ReceivedAt time.Time // When the notification reached us
	Provider   string    // "s3", "gcs" or "canonical"
}

// DedupeKeyFor derives the dedupe key for a source id. Repeated notifications
// for the same object always collapse to the same key.
func DedupeKeyFor(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return hex.EncodeToString(sum[:])
}

// JobRecord is the durable per-source job state. Only the orchestrator writes it.
type JobRecord struct {
	DedupeKey string   // Primary key
	SourceID  string   // bucket/key of the source object
	JobID     string   // External job id, empty until the backend accepted the job
	State     JobState // Current lifecycle state
	Reason    string   // Failure reason for FAILED / ERRORED

	// Attempt counters
	Attempt      int // StartJob calls made
	FetchAttempt int // GetResult calls made

	// LaunchClaimed is the at-most-once launch guard
	LaunchClaimed bool

	ResultRef string // Opaque handle to the persisted analysis result

	// Timestamps
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	// Version is the optimistic concurrency token, bumped on every write
	Version int64
}

// Clone returns a deep copy of r.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Outcome is the result a backend reports for a finished job.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// CompletionSignal is an asynchronous "job finished" notification from the backend.
type CompletionSignal struct {
	JobID      string    // External job id
	Outcome    Outcome   // Normalized outcome
	Status     string    // Raw status as delivered by the producer
	ReceivedAt time.Time // When the signal reached us
}

// JobHandle is what the launcher hands back to callers.
type JobHandle struct {
	DedupeKey  string
	SourceID   string
	JobID      string
	State      JobState
	Existing   bool // A record for this dedupe key already existed
	InProgress bool // Another launcher holds the launch claim
}
