package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"docpipeline/internal/analysis"
	"docpipeline/internal/jobstore"
	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

// ReconcileConfig tunes the reconciliation sweep.
type ReconcileConfig struct {
	// JobMaxAge is how long a record may stay PENDING or STARTED before it is
	// marked ERRORED with reason "timeout".
	JobMaxAge time.Duration

	// SignalGrace is how long after start a missing completion signal is
	// looked up at the backend. Zero disables polling.
	SignalGrace time.Duration

	// FetchStallAfter is how long an AWAITING_RESULT record may sit idle before
	// its fetch is resumed.
	FetchStallAfter time.Duration

	// BatchSize caps records handled per step and sweep. Zero means no cap.
	BatchSize int
}

// SweepReport counts what a sweep did.
type SweepReport struct {
	TimedOut   int
	Relaunched int
	Recovered  int
	Resumed    int
	Errors     int
}

// Reconciler repairs records whose driving event was lost.
type Reconciler struct {
	orch     *Orchestrator
	launcher *Launcher
	listener *Listener
	fetcher  *Fetcher
	checker  analysis.StatusChecker
	cfg      ReconcileConfig
	log      zerolog.Logger
}

// NewReconciler creates a Reconciler. checker may be nil, which disables
// lost-signal recovery.
func NewReconciler(orch *Orchestrator, launcher *Launcher, listener *Listener, fetcher *Fetcher, checker analysis.StatusChecker, cfg ReconcileConfig) *Reconciler {
	return &Reconciler{
		orch:     orch,
		launcher: launcher,
		listener: listener,
		fetcher:  fetcher,
		checker:  checker,
		cfg:      cfg,
		log:      logger.WithComponent("reconciler"),
	}
}

// Sweep runs one reconciliation pass. Timeouts are applied first so an
// expired record is never relaunched or polled.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	steps := []func(context.Context, *SweepReport) error{
		r.expire,
		r.relaunch,
		r.recoverSignals,
		r.resumeFetches,
	}
	for _, step := range steps {
		if err := step(ctx, &report); err != nil {
			return report, err
		}
	}

	r.log.Info().
		Int("timed_out", report.TimedOut).
		Int("relaunched", report.Relaunched).
		Int("recovered", report.Recovered).
		Int("resumed", report.Resumed).
		Int("errors", report.Errors).
		Msg("Reconciliation sweep finished")
	return report, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error().Err(err).Msg("Reconciliation sweep failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) list(ctx context.Context, states ...models.JobState) ([]*models.JobRecord, error) {
	return r.orch.List(ctx, jobstore.Filter{States: states})
}

func (r *Reconciler) expire(ctx context.Context, report *SweepReport) error {
	if r.cfg.JobMaxAge <= 0 {
		return nil
	}
	recs, err := r.list(ctx, models.StatePending, models.StateStarted)
	if err != nil {
		return err
	}

	cutoff := r.orch.Now().Add(-r.cfg.JobMaxAge)
	for _, rec := range r.capped(recs, func(rec *models.JobRecord) bool { return rec.CreatedAt.Before(cutoff) }) {
		_, err := r.orch.Transition(ctx, rec.DedupeKey, models.StateErrored, func(cur *models.JobRecord) error {
			cur.Reason = models.ReasonTimeout
			return nil
		})
		switch {
		case err == nil:
			report.TimedOut++
		case IsTransitionError(err):
		default:
			report.Errors++
			r.log.Error().Err(err).Str("dedupe_key", rec.DedupeKey).Msg("Failed to time out job")
		}
	}
	return nil
}

// relaunch starts records that were registered but never claimed, which
// happens when the process stopped between registration and launch.
func (r *Reconciler) relaunch(ctx context.Context, report *SweepReport) error {
	if r.launcher == nil {
		return nil
	}
	recs, err := r.list(ctx, models.StatePending)
	if err != nil {
		return err
	}

	for _, rec := range r.capped(recs, func(rec *models.JobRecord) bool { return !rec.LaunchClaimed }) {
		handle, err := r.launcher.Launch(ctx, models.SourceReadyEvent{
			SourceID:   rec.SourceID,
			DedupeKey:  rec.DedupeKey,
			ReceivedAt: rec.CreatedAt,
		})
		var launchErr *LaunchError
		switch {
		case errors.As(err, &launchErr):
			report.Relaunched++
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Errors++
			r.log.Error().Err(err).Str("dedupe_key", rec.DedupeKey).Msg("Relaunch failed")
		case !handle.InProgress:
			report.Relaunched++
		}
	}
	return nil
}

// recoverSignals asks the backend about STARTED jobs whose completion signal
// is overdue and replays the answer through the listener.
func (r *Reconciler) recoverSignals(ctx context.Context, report *SweepReport) error {
	if r.checker == nil || r.listener == nil || r.cfg.SignalGrace <= 0 {
		return nil
	}
	recs, err := r.list(ctx, models.StateStarted)
	if err != nil {
		return err
	}

	cutoff := r.orch.Now().Add(-r.cfg.SignalGrace)
	overdue := func(rec *models.JobRecord) bool {
		return rec.JobID != "" && rec.StartedAt != nil && rec.StartedAt.Before(cutoff)
	}
	for _, rec := range r.capped(recs, overdue) {
		status, err := r.checker.JobStatus(ctx, rec.JobID)
		if err != nil {
			report.Errors++
			r.log.Warn().Err(err).Str("job_id", rec.JobID).Msg("Job status check failed")
			continue
		}

		var outcome models.Outcome
		switch status {
		case analysis.JobSucceeded:
			outcome = models.OutcomeSucceeded
		case analysis.JobFailed:
			outcome = models.OutcomeFailed
		default:
			continue
		}

		err = r.listener.OnSignal(ctx, models.CompletionSignal{
			JobID:      rec.JobID,
			Outcome:    outcome,
			Status:     string(status),
			ReceivedAt: r.orch.Now(),
		})
		switch {
		case err == nil:
			report.Recovered++
		case errors.Is(err, ErrDuplicateSignal):
		default:
			var unavailable *ResultUnavailableError
			if errors.As(err, &unavailable) {
				report.Recovered++
				continue
			}
			report.Errors++
			r.log.Error().Err(err).Str("job_id", rec.JobID).Msg("Recovered signal could not be applied")
		}
	}
	return nil
}

// resumeFetches retries fetches for AWAITING_RESULT records nobody is working on.
func (r *Reconciler) resumeFetches(ctx context.Context, report *SweepReport) error {
	if r.fetcher == nil {
		return nil
	}
	recs, err := r.list(ctx, models.StateAwaitingResult)
	if err != nil {
		return err
	}

	cutoff := r.orch.Now().Add(-r.cfg.FetchStallAfter)
	for _, rec := range r.capped(recs, func(rec *models.JobRecord) bool { return rec.UpdatedAt.Before(cutoff) }) {
		_, err := r.fetcher.Fetch(ctx, rec.JobID)
		var unavailable *ResultUnavailableError
		switch {
		case err == nil, errors.As(err, &unavailable):
			report.Resumed++
		case errors.Is(err, ErrNotAwaitingResult):
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Errors++
			r.log.Error().Err(err).Str("job_id", rec.JobID).Msg("Resumed fetch failed")
		}
	}
	return nil
}

func (r *Reconciler) capped(recs []*models.JobRecord, keep func(*models.JobRecord) bool) []*models.JobRecord {
	var out []*models.JobRecord
	for _, rec := range recs {
		if !keep(rec) {
			continue
		}
		out = append(out, rec)
		if r.cfg.BatchSize > 0 && len(out) == r.cfg.BatchSize {
			break
		}
	}
	return out
}
