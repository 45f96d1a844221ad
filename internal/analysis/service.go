// Package analysis provides asynchronous document analysis backends on Google Cloud.
//
// A backend starts a long-running analysis job for a document that already lives
// in Cloud Storage and later returns the job's result. Job ids are the names of
// the long-running operations the backend creates, so a job can be looked up
// again from any process.
//
// Supported backends:
//   - Document AI batch processing (BatchProcessDocuments) with a configured processor
//   - Cloud Vision asynchronous file annotation (AsyncBatchAnnotateFiles), text detection
//
// Required Environment Variables:
//   - GOOGLE_APPLICATION_CREDENTIALS: Path to service account JSON file, OR
//   - GOOGLE_CREDENTIALS: Inline JSON credentials string
//   - GOOGLE_CLOUD_PROJECT: Google Cloud project ID
//   - GCS_OUTPUT_BUCKET: bucket the backend writes its output shards to
//
// Backends write their raw output to GCS_OUTPUT_BUCKET; the Result returned by
// GetResult describes those outputs and carries the operation metadata as a JSON payload.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend starts analysis jobs and retrieves their results.
type Backend interface {
	// StartJob starts an asynchronous analysis job for the source document and
	// returns the backend's job id. The call is not idempotent.
	StartJob(ctx context.Context, src SourceRef, opts StartOptions) (string, error)

	// GetResult returns the result of a finished job. It fails with ErrJobNotFinished
	// while the job is still running and ErrPartialResult when some outputs failed.
	GetResult(ctx context.Context, jobID string) (*Result, error)

	// Close releases the backend's connections.
	Close() error
}

// StatusChecker is implemented by backends that can report job progress on demand.
// It lets the reconciler recover completion signals that were never delivered.
type StatusChecker interface {
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// JobStatus is the backend's view of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// SourceRef identifies the input document.
type SourceRef struct {
	Bucket string
	Key    string
}

// URI returns the gs:// URI of the document.
func (s SourceRef) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.Bucket, s.Key)
}

// ParseSourceID splits a "bucket/key" source id.
func ParseSourceID(sourceID string) (SourceRef, error) {
	bucket, key, ok := strings.Cut(sourceID, "/")
	if !ok || bucket == "" || key == "" {
		return SourceRef{}, fmt.Errorf("%w: source id %q is not bucket/key", ErrInvalidSource, sourceID)
	}
	return SourceRef{Bucket: bucket, Key: key}, nil
}

// StartOptions tunes a single job.
type StartOptions struct {
	// OutputPrefix is the object prefix under the output bucket for this job.
	OutputPrefix string

	// Tag is a caller-supplied correlation value (the dedupe key). Backends that
	// support request tokens or labels attach it to the job.
	Tag string
}

// Result describes the output of a finished job.
type Result struct {
	// JobID is the backend job id.
	JobID string `json:"job_id"`

	// Outputs lists one entry per processed input document.
	Outputs []Output `json:"outputs"`

	// Payload is the backend's operation metadata or response, JSON encoded.
	Payload []byte `json:"-"`

	// CompletedAt is when the result was retrieved.
	CompletedAt time.Time `json:"completed_at"`
}

// Output is the per-document part of a Result.
type Output struct {
	InputURI  string `json:"input_uri"`
	OutputURI string `json:"output_uri"`
	Code      int32  `json:"code"`
	Message   string `json:"message,omitempty"`
}

// Config holds configuration shared by the Google Cloud backends.
type Config struct {
	// ProjectID is the Google Cloud project ID.
	ProjectID string

	// Location is the processing location (e.g., "us", "eu").
	Location string

	// ProcessorID is the Document AI processor ID.
	ProcessorID string

	// ProcessorVersion specifies a particular processor version.
	// If empty, uses the default version.
	ProcessorVersion string

	// OutputBucket receives the backend's output shards.
	OutputBucket string

	// OutputFolder is prepended to every job's output prefix.
	OutputFolder string

	// Timeout bounds every single backend call.
	// Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Location:     "us",
		OutputFolder: "analysis",
		Timeout:      60 * time.Second,
	}
}

// outputURI returns the gs:// prefix the backend writes a job's output under.
func (c Config) outputURI(prefix string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{c.OutputFolder, prefix} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("gs://%s/", c.OutputBucket)
	}
	return fmt.Sprintf("gs://%s/%s/", c.OutputBucket, strings.Join(parts, "/"))
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}
