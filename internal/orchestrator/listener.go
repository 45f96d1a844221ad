package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"docpipeline/internal/jobstore"
	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

// Dispatcher runs work off the caller's goroutine.
type Dispatcher interface {
	Submit(task func(ctx context.Context)) error
}

// Listener applies completion signals to their records.
type Listener struct {
	orch       *Orchestrator
	fetcher    *Fetcher
	dispatcher Dispatcher
	log        zerolog.Logger
}

// NewListener creates a Listener. With a nil dispatcher the result fetch runs
// synchronously inside OnSignal.
func NewListener(orch *Orchestrator, fetcher *Fetcher, dispatcher Dispatcher) *Listener {
	return &Listener{
		orch:       orch,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		log:        logger.WithComponent("listener"),
	}
}

// OnSignal correlates a completion signal with its record. Unknown job ids
// return *UnknownJobError, signals for records past STARTED return
// ErrDuplicateSignal and unrecognized outcomes return ErrMalformedSignal.
// None of them changes any record.
func (l *Listener) OnSignal(ctx context.Context, sig models.CompletionSignal) error {
	rec, err := l.orch.GetByJobID(ctx, sig.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		l.log.Warn().Str("job_id", sig.JobID).Str("status", sig.Status).Msg("Completion signal for unknown job dropped")
		return &UnknownJobError{JobID: sig.JobID}
	}
	if err != nil {
		return err
	}

	log := logger.WithJob(l.log, rec.DedupeKey, rec.JobID)
	if rec.State != models.StateStarted {
		log.Debug().Str("state", rec.State.String()).Str("outcome", string(sig.Outcome)).Msg("Duplicate completion signal dropped")
		return ErrDuplicateSignal
	}

	switch sig.Outcome {
	case models.OutcomeSucceeded:
		if _, err := l.orch.Transition(ctx, rec.DedupeKey, models.StateAwaitingResult, nil); err != nil {
			return duplicateOr(err)
		}
		return l.dispatchFetch(ctx, rec.JobID)

	case models.OutcomeFailed:
		_, err := l.orch.Transition(ctx, rec.DedupeKey, models.StateFailed, func(r *models.JobRecord) error {
			r.Reason = models.ReasonBackendFailed
			if sig.Status != "" {
				r.Reason += ": " + sig.Status
			}
			return nil
		})
		return duplicateOr(err)

	default:
		log.Warn().Str("outcome", string(sig.Outcome)).Msg("Completion signal with unknown outcome dropped")
		return fmt.Errorf("%w: outcome %q", ErrMalformedSignal, sig.Outcome)
	}
}

func (l *Listener) dispatchFetch(ctx context.Context, jobID string) error {
	if l.dispatcher == nil {
		_, err := l.fetcher.Fetch(ctx, jobID)
		return err
	}

	err := l.dispatcher.Submit(func(ctx context.Context) {
		if _, err := l.fetcher.Fetch(ctx, jobID); err != nil {
			l.log.Error().Err(err).Str("job_id", jobID).Msg("Result fetch failed")
		}
	})
	if err != nil {
		// The record stays AWAITING_RESULT and the sweep resumes the fetch.
		l.log.Warn().Err(err).Str("job_id", jobID).Msg("Fetch not dispatched, deferring to reconciliation")
	}
	return nil
}

// duplicateOr maps a lost transition race to ErrDuplicateSignal: another
// signal for the same job got there first.
func duplicateOr(err error) error {
	if IsTransitionError(err) {
		return ErrDuplicateSignal
	}
	return err
}
