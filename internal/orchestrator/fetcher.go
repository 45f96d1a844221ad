package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"docpipeline/internal/analysis"
	"docpipeline/internal/jobstore"
	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

// ResultSink persists a result document and returns an opaque reference to it.
type ResultSink interface {
	Put(ctx context.Context, dedupeKey string, payload []byte) (string, error)
}

// FetcherConfig tunes result retrieval.
type FetcherConfig struct {
	MaxAttempts int
	Backoff     Backoff
}

// FetchOutcome is what Fetch returns.
type FetchOutcome struct {
	DedupeKey string
	JobID     string
	ResultRef string

	// Cached is true when the record had already succeeded and the backend was not called.
	Cached bool

	// Result is the retrieved result; nil when Cached.
	Result *analysis.Result
}

// resultDocument is the persisted form of a result.
type resultDocument struct {
	DedupeKey   string            `json:"dedupe_key"`
	SourceID    string            `json:"source_id"`
	JobID       string            `json:"job_id"`
	Outputs     []analysis.Output `json:"outputs"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Fetcher retrieves and persists the results of finished jobs.
type Fetcher struct {
	orch    *Orchestrator
	backend analysis.Backend
	sink    ResultSink
	cfg     FetcherConfig
	log     zerolog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(orch *Orchestrator, backend analysis.Backend, sink ResultSink, cfg FetcherConfig) *Fetcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	return &Fetcher{
		orch:    orch,
		backend: backend,
		sink:    sink,
		cfg:     cfg,
		log:     logger.WithComponent("fetcher"),
	}
}

// Fetch retrieves the result of a job in AWAITING_RESULT, persists it and
// moves the record to SUCCEEDED. For a record that already succeeded it
// returns the stored reference without calling the backend.
func (f *Fetcher) Fetch(ctx context.Context, jobID string) (*FetchOutcome, error) {
	rec, err := f.orch.GetByJobID(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, &UnknownJobError{JobID: jobID}
	}
	if err != nil {
		return nil, err
	}

	switch rec.State {
	case models.StateSucceeded:
		return cachedOutcome(rec), nil
	case models.StateAwaitingResult:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingResult, jobID, rec.State)
	}

	log := logger.WithJob(f.log, rec.DedupeKey, rec.JobID)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		rec, err = f.orch.Annotate(ctx, rec.DedupeKey, func(r *models.JobRecord) error {
			if r.State != models.StateAwaitingResult {
				return ErrNotAwaitingResult
			}
			r.FetchAttempt++
			return nil
		})
		if errors.Is(err, ErrNotAwaitingResult) {
			return f.settled(ctx, jobID)
		}
		if err != nil {
			return nil, err
		}

		attempts = attempt
		outcome, err := f.fetchOnce(ctx, rec)
		if err == nil {
			return outcome, nil
		}
		if IsTransitionError(err) {
			return f.settled(ctx, jobID)
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if analysis.IsJobFailed(err) {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", f.cfg.MaxAttempts).Msg("Result fetch failed")
		if attempt == f.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, f.cfg.Backoff.Delay(attempt)); err != nil {
			return nil, err
		}
	}

	unavailable := &ResultUnavailableError{JobID: jobID, Attempts: attempts, Err: lastErr}
	if _, err := f.orch.Transition(ctx, rec.DedupeKey, models.StateErrored, func(r *models.JobRecord) error {
		r.Reason = models.ReasonResultUnavailable
		return nil
	}); err != nil {
		return nil, errors.Join(unavailable, err)
	}
	return nil, unavailable
}

func (f *Fetcher) fetchOnce(ctx context.Context, rec *models.JobRecord) (*FetchOutcome, error) {
	result, err := f.backend.GetResult(ctx, rec.JobID)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(resultDocument{
		DedupeKey:   rec.DedupeKey,
		SourceID:    rec.SourceID,
		JobID:       rec.JobID,
		Outputs:     result.Outputs,
		Payload:     rawJSON(result.Payload),
		CompletedAt: result.CompletedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", analysis.ErrMalformedResult, err)
	}

	ref, err := f.sink.Put(ctx, rec.DedupeKey, doc)
	if err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}

	next, err := f.orch.Transition(ctx, rec.DedupeKey, models.StateSucceeded, func(r *models.JobRecord) error {
		r.ResultRef = ref
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &FetchOutcome{
		DedupeKey: next.DedupeKey,
		JobID:     next.JobID,
		ResultRef: next.ResultRef,
		Result:    result,
	}, nil
}

// settled handles a record another fetch moved on while this one was working.
func (f *Fetcher) settled(ctx context.Context, jobID string) (*FetchOutcome, error) {
	rec, err := f.orch.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.State == models.StateSucceeded {
		return cachedOutcome(rec), nil
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingResult, jobID, rec.State)
}

func cachedOutcome(rec *models.JobRecord) *FetchOutcome {
	return &FetchOutcome{
		DedupeKey: rec.DedupeKey,
		JobID:     rec.JobID,
		ResultRef: rec.ResultRef,
		Cached:    true,
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
