// Package orchestrator owns the JobRecord state machine.
//
// Every state change goes through Orchestrator.Transition, which reads the
// record, validates the move against the transition table, applies the
// caller's mutation and writes it back with a compare-and-swap. A lost race
// reloads the record and tries again, so concurrent launchers, listeners and
// fetchers for the same record are linearized without locks.
//
// The launcher, listener, fetcher and reconciler in this package are the only
// callers; none of them write the store directly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"docpipeline/internal/alert"
	"docpipeline/internal/jobstore"
	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

const (
	defaultMaxConflicts = 16
	defaultAlertTimeout = 10 * time.Second
)

// Store is the persistence the orchestrator needs.
type Store interface {
	Create(ctx context.Context, rec *models.JobRecord) (*models.JobRecord, bool, error)
	Get(ctx context.Context, dedupeKey string) (*models.JobRecord, error)
	GetByJobID(ctx context.Context, jobID string) (*models.JobRecord, error)
	CompareAndSwap(ctx context.Context, rec *models.JobRecord, expectedVersion int64) error
	List(ctx context.Context, f jobstore.Filter) ([]*models.JobRecord, error)
}

// Mutation edits a working copy of a record before it is written.
// Returning an error aborts the write.
type Mutation func(rec *models.JobRecord) error

// Options configures an Orchestrator.
type Options struct {
	// Notifier receives an alert whenever a record enters FAILED or ERRORED.
	Notifier alert.Notifier

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// MaxConflicts bounds compare-and-swap retries per write.
	MaxConflicts int

	// AlertTimeout bounds each notifier call. Defaults to 10s.
	AlertTimeout time.Duration
}

// Orchestrator is the single writer of JobRecord state.
type Orchestrator struct {
	store        Store
	notifier     alert.Notifier
	now          func() time.Time
	maxConflicts int
	alertTimeout time.Duration
	log          zerolog.Logger
}

// New creates an Orchestrator over store.
func New(store Store, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		notifier:     opts.Notifier,
		now:          opts.Now,
		maxConflicts: opts.MaxConflicts,
		alertTimeout: opts.AlertTimeout,
		log:          logger.WithComponent("orchestrator"),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.maxConflicts <= 0 {
		o.maxConflicts = defaultMaxConflicts
	}
	if o.alertTimeout <= 0 {
		o.alertTimeout = defaultAlertTimeout
	}
	return o
}

// Now returns the orchestrator's current time in UTC.
func (o *Orchestrator) Now() time.Time {
	return o.now().UTC()
}

// Register creates the PENDING record for an event unless one already exists
// for its dedupe key. It returns the stored record and whether it was created.
func (o *Orchestrator) Register(ctx context.Context, event models.SourceReadyEvent) (*models.JobRecord, bool, error) {
	const op = "Register"

	if event.DedupeKey == "" || event.SourceID == "" {
		return nil, false, fmt.Errorf("%s: event has no source id or dedupe key", op)
	}

	now := o.Now()
	rec, created, err := o.store.Create(ctx, &models.JobRecord{
		DedupeKey: event.DedupeKey,
		SourceID:  event.SourceID,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if created {
		o.jobLog(rec.DedupeKey, "").Info().
			Str("source_id", rec.SourceID).
			Msg("Job registered")
	}
	return rec, created, nil
}

// Get returns the record for a dedupe key.
func (o *Orchestrator) Get(ctx context.Context, dedupeKey string) (*models.JobRecord, error) {
	return o.store.Get(ctx, dedupeKey)
}

// GetByJobID returns the record for an external job id.
func (o *Orchestrator) GetByJobID(ctx context.Context, jobID string) (*models.JobRecord, error) {
	return o.store.GetByJobID(ctx, jobID)
}

// Lookup resolves either a dedupe key or a job id.
func (o *Orchestrator) Lookup(ctx context.Context, keyOrJobID string) (*models.JobRecord, error) {
	rec, err := o.store.Get(ctx, keyOrJobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return o.store.GetByJobID(ctx, keyOrJobID)
	}
	return rec, err
}

// List returns records matching f.
func (o *Orchestrator) List(ctx context.Context, f jobstore.Filter) ([]*models.JobRecord, error) {
	return o.store.List(ctx, f)
}

// Transition moves a record to state to, applying mutate to the working copy
// first. A move the transition table does not allow returns *TransitionError
// and leaves the record untouched.
func (o *Orchestrator) Transition(ctx context.Context, dedupeKey string, to models.JobState, mutate Mutation) (*models.JobRecord, error) {
	rec, err := o.write(ctx, "Transition", dedupeKey, func(rec *models.JobRecord) error {
		if !CanTransition(rec.State, to) {
			return &TransitionError{DedupeKey: rec.DedupeKey, From: rec.State, To: to}
		}
		if mutate != nil {
			if err := mutate(rec); err != nil {
				return err
			}
		}

		now := o.Now()
		rec.State = to
		switch {
		case to == models.StateStarted && rec.StartedAt == nil:
			rec.StartedAt = &now
		case to.IsTerminal():
			rec.CompletedAt = &now
		}
		return nil
	})

	var te *TransitionError
	if errors.As(err, &te) {
		o.jobLog(dedupeKey, "").Warn().
			Str("from", te.From.String()).
			Str("to", te.To.String()).
			Msg("Protocol anomaly: transition rejected")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	o.jobLog(rec.DedupeKey, rec.JobID).Info().
		Str("state", rec.State.String()).
		Str("reason", rec.Reason).
		Int("attempt", rec.Attempt).
		Msg("Job state changed")

	if rec.State == models.StateFailed || rec.State == models.StateErrored {
		o.alert(ctx, rec)
	}
	return rec, nil
}

// Annotate updates non-state fields of a record under the same
// compare-and-swap discipline as Transition.
func (o *Orchestrator) Annotate(ctx context.Context, dedupeKey string, mutate Mutation) (*models.JobRecord, error) {
	return o.write(ctx, "Annotate", dedupeKey, func(rec *models.JobRecord) error {
		from := rec.State
		if err := mutate(rec); err != nil {
			return err
		}
		if rec.State != from {
			return fmt.Errorf("Annotate: state change %s -> %s must use Transition", from, rec.State)
		}
		return nil
	})
}

// write runs the read, mutate, compare-and-swap loop.
func (o *Orchestrator) write(ctx context.Context, op, dedupeKey string, mutate Mutation) (*models.JobRecord, error) {
	for i := 0; i < o.maxConflicts; i++ {
		current, err := o.store.Get(ctx, dedupeKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		if current.JobID != "" && next.JobID != current.JobID {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrJobIDImmutable, current.JobID)
		}
		next.UpdatedAt = o.Now()

		err = o.store.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, jobstore.ErrConflict) {
			o.log.Debug().Str("dedupe_key", dedupeKey).Int("retry", i+1).Msg("Write conflict, reloading")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("%s: %w: %s", op, ErrTooManyConflicts, dedupeKey)
}

// alert notifies about a record that entered FAILED or ERRORED. The state
// change is already committed, so the caller's cancellation does not abort
// delivery, but a slow notifier cannot hold the caller past alertTimeout.
func (o *Orchestrator) alert(ctx context.Context, rec *models.JobRecord) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.alertTimeout)
	defer cancel()
	if err := o.notifier.Notify(ctx, alert.FromRecord(rec)); err != nil {
		o.jobLog(rec.DedupeKey, rec.JobID).Warn().Err(err).Msg("Failed to deliver alert")
	}
}

func (o *Orchestrator) jobLog(dedupeKey, jobID string) *zerolog.Logger {
	l := logger.WithJob(o.log, dedupeKey, jobID)
	return &l
}
