// Package server exposes the push endpoints storage and backend notifications
// are delivered to, plus a read-only job view.
//
// Deliveries are at-least-once. A notification that can never be processed
// (malformed, unknown job, duplicate) is acknowledged with 200 so the producer
// stops retrying it; a failure to persist state returns 500 so it redelivers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"docpipeline/internal/ingest"
	"docpipeline/internal/jobstore"
	"docpipeline/internal/logger"
	"docpipeline/internal/orchestrator"
	"docpipeline/pkg/models"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-ID"
)

// Registry records source events and looks up job records.
type Registry interface {
	Register(ctx context.Context, event models.SourceReadyEvent) (*models.JobRecord, bool, error)
	Lookup(ctx context.Context, keyOrJobID string) (*models.JobRecord, error)
}

// Launcher starts analysis jobs.
type Launcher interface {
	Launch(ctx context.Context, event models.SourceReadyEvent) (*models.JobHandle, error)
}

// SignalHandler applies completion signals.
type SignalHandler interface {
	OnSignal(ctx context.Context, sig models.CompletionSignal) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Registry   Registry
	Launcher   Launcher
	Signals    SignalHandler
	Dispatcher orchestrator.Dispatcher
	Health     Pinger
	Now        func() time.Time
}

// Server serves the notification endpoints.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	log  zerolog.Logger
}

// New creates a Server and registers its routes.
func New(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		log:  logger.WithComponent("server"),
	}

	s.mux.HandleFunc("POST /v1/notifications/storage", s.handleStorage)
	s.mux.HandleFunc("POST /v1/notifications/completion", s.handleCompletion)
	s.mux.HandleFunc("GET /v1/jobs/{key}", s.handleJob)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)

	reqLog := logger.WithRequestID(s.log, requestID)
	r = r.WithContext(reqLog.WithContext(r.Context()))
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if subscribeURL, ok := ingest.SubscriptionConfirmation(body); ok {
		log.Info().Str("subscribe_url", subscribeURL).Msg("SNS subscription confirmation received")
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmation_logged"})
		return
	}

	events, err := ingest.IngestAll(body, s.deps.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed storage notification")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "reason": err.Error()})
		return
	}

	accepted := make([]map[string]any, 0, len(events))
	for _, event := range events {
		rec, created, err := s.deps.Registry.Register(r.Context(), event)
		if err != nil {
			log.Error().Err(err).Str("source_id", event.SourceID).Msg("Failed to register source event")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
			return
		}

		if created || (rec.State == models.StatePending && !rec.LaunchClaimed) {
			s.dispatchLaunch(log, event)
		}
		accepted = append(accepted, map[string]any{
			"dedupe_key": rec.DedupeKey,
			"source_id":  rec.SourceID,
			"state":      rec.State,
			"created":    created,
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "events": accepted})
}

// dispatchLaunch hands the launch to the worker pool. A rejected submission
// leaves the record unclaimed for the reconciliation sweep.
func (s *Server) dispatchLaunch(log *zerolog.Logger, event models.SourceReadyEvent) {
	launch := func(ctx context.Context) {
		if _, err := s.deps.Launcher.Launch(ctx, event); err != nil {
			log.Warn().Err(err).Str("source_id", event.SourceID).Msg("Launch failed")
		}
	}

	if s.deps.Dispatcher == nil {
		launch(context.Background())
		return
	}
	if err := s.deps.Dispatcher.Submit(launch); err != nil {
		log.Warn().Err(err).Str("source_id", event.SourceID).Msg("Launch deferred to reconciliation")
	}
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if subscribeURL, ok := ingest.SubscriptionConfirmation(body); ok {
		log.Info().Str("subscribe_url", subscribeURL).Msg("SNS subscription confirmation received")
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmation_logged"})
		return
	}

	sig, err := ingest.ParseSignal(body, s.deps.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed completion signal")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "reason": err.Error()})
		return
	}

	err = s.deps.Signals.OnSignal(r.Context(), sig)
	var unknown *orchestrator.UnknownJobError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": sig.JobID})
	case errors.As(err, &unknown), errors.Is(err, orchestrator.ErrDuplicateSignal), errors.Is(err, orchestrator.ErrMalformedSignal):
		log.Info().Err(err).Str("job_id", sig.JobID).Msg("Dropping completion signal")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "reason": err.Error()})
	default:
		log.Error().Err(err).Str("job_id", sig.JobID).Msg("Failed to apply completion signal")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Registry.Lookup(r.Context(), r.PathValue("key"))
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Job lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"status": "dropped", "reason": "body too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": err.Error()})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
