package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"docpipeline/internal/analysis"
	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

// LauncherConfig tunes job starts.
type LauncherConfig struct {
	// MaxAttempts bounds StartJob calls per record.
	MaxAttempts int

	// Backoff spaces transient retries.
	Backoff Backoff

	// RateLimit is the sustained StartJob rate per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter's burst size.
	RateBurst int
}

const releaseTimeout = 5 * time.Second

// Launcher starts exactly one analysis job per dedupe key.
type Launcher struct {
	orch    *Orchestrator
	backend analysis.Backend
	cfg     LauncherConfig
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(orch *Orchestrator, backend analysis.Backend, cfg LauncherConfig) *Launcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Launcher{
		orch:    orch,
		backend: backend,
		cfg:     cfg,
		limiter: limiter,
		log:     logger.WithComponent("launcher"),
	}
}

// Launch registers the event and starts its job unless the record already
// left PENDING or another launcher holds the launch claim. The backend is
// called at most once per successful claim, with transient retries.
func (l *Launcher) Launch(ctx context.Context, event models.SourceReadyEvent) (*models.JobHandle, error) {
	rec, created, err := l.orch.Register(ctx, event)
	if err != nil {
		return nil, err
	}
	if rec.State != models.StatePending {
		return handleFor(rec, !created, false), nil
	}

	rec, err = l.orch.Annotate(ctx, rec.DedupeKey, func(r *models.JobRecord) error {
		if r.State != models.StatePending || r.LaunchClaimed {
			return errClaimLost
		}
		r.LaunchClaimed = true
		return nil
	})
	if errors.Is(err, errClaimLost) {
		current, err := l.orch.Get(ctx, event.DedupeKey)
		if err != nil {
			return nil, err
		}
		return handleFor(current, true, current.State == models.StatePending), nil
	}
	if err != nil {
		return nil, err
	}

	log := logger.WithJob(l.log, rec.DedupeKey, "")
	log.Debug().Str("source_id", rec.SourceID).Msg("Launch claimed")

	src, err := analysis.ParseSourceID(rec.SourceID)
	if err != nil {
		return nil, l.fail(ctx, rec, true, err)
	}

	var lastErr error
	called := false
	for attempt := rec.Attempt + 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			err = fmt.Errorf("rate limiter: %w", err)
			if !called {
				l.release(ctx, rec.DedupeKey, err)
			}
			return nil, err
		}

		next, err := l.orch.Annotate(ctx, rec.DedupeKey, func(r *models.JobRecord) error {
			r.Attempt = attempt
			return nil
		})
		if err != nil {
			if !called {
				l.release(ctx, rec.DedupeKey, err)
			}
			return nil, err
		}
		rec = next

		called = true
		jobID, err := l.backend.StartJob(ctx, src, analysis.StartOptions{
			OutputPrefix: rec.DedupeKey,
			Tag:          rec.DedupeKey,
		})
		if err == nil {
			return l.started(ctx, rec, jobID)
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !analysis.IsTransient(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Backend rejected job")
			return nil, l.fail(ctx, rec, true, err)
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", l.cfg.MaxAttempts).Msg("Transient launch failure")
		if attempt == l.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, l.cfg.Backoff.Delay(attempt)); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("attempt budget of %d already spent", l.cfg.MaxAttempts)
	}
	return nil, l.fail(ctx, rec, false, lastErr)
}

// release drops a launch claim taken by a call that never reached the
// backend, so the sweep can launch the record again. The write ignores the
// caller's cancellation.
func (l *Launcher) release(ctx context.Context, dedupeKey string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	log := logger.WithJob(l.log, dedupeKey, "")
	_, err := l.orch.Annotate(ctx, dedupeKey, func(r *models.JobRecord) error {
		if r.State != models.StatePending || !r.LaunchClaimed || r.JobID != "" {
			return errClaimLost
		}
		r.LaunchClaimed = false
		return nil
	})
	if err != nil {
		log.Warn().Err(err).AnErr("cause", cause).Msg("Failed to release launch claim")
		return
	}
	log.Info().AnErr("cause", cause).Msg("Launch aborted before start, claim released")
}

func (l *Launcher) started(ctx context.Context, rec *models.JobRecord, jobID string) (*models.JobHandle, error) {
	next, err := l.orch.Transition(ctx, rec.DedupeKey, models.StateStarted, func(r *models.JobRecord) error {
		r.JobID = jobID
		return nil
	})
	if err != nil {
		// The backend job exists but could not be recorded; the sweep will time the record out.
		log := logger.WithJob(l.log, rec.DedupeKey, jobID)
		log.Error().Err(err).Msg("Job started but not recorded")
		return nil, err
	}
	return handleFor(next, false, false), nil
}

// fail moves the record to ERRORED and returns the LaunchError to surface.
func (l *Launcher) fail(ctx context.Context, rec *models.JobRecord, permanent bool, cause error) error {
	reason := models.ReasonLaunchExhausted
	if permanent {
		reason = models.ReasonLaunchRejected
	}

	launchErr := &LaunchError{
		DedupeKey: rec.DedupeKey,
		Attempts:  rec.Attempt,
		Permanent: permanent,
		Err:       cause,
	}

	if _, err := l.orch.Transition(ctx, rec.DedupeKey, models.StateErrored, func(r *models.JobRecord) error {
		r.Reason = reason
		return nil
	}); err != nil {
		return errors.Join(launchErr, err)
	}
	return launchErr
}

func handleFor(rec *models.JobRecord, existing, inProgress bool) *models.JobHandle {
	return &models.JobHandle{
		DedupeKey:  rec.DedupeKey,
		SourceID:   rec.SourceID,
		JobID:      rec.JobID,
		State:      rec.State,
		Existing:   existing,
		InProgress: inProgress,
	}
}
