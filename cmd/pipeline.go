package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"docpipeline/internal/alert"
	"docpipeline/internal/analysis"
	"docpipeline/internal/config"
	"docpipeline/internal/jobstore"
	"docpipeline/internal/orchestrator"
	"docpipeline/internal/resultsink"
)

// pipeline holds the components every command wires from configuration.
type pipeline struct {
	cfg        *config.Config
	store      *jobstore.Store
	backend    *analysis.Lazy
	results    resultsink.Reader
	orch       *orchestrator.Orchestrator
	launcher   *orchestrator.Launcher
	listener   *orchestrator.Listener
	fetcher    *orchestrator.Fetcher
	reconciler *orchestrator.Reconciler
}

// buildPipeline wires the store, backend, result sink, alerting and
// orchestrator. A nil dispatcher makes result fetches synchronous.
func buildPipeline(ctx context.Context, cfg *config.Config, dispatcher orchestrator.Dispatcher, log zerolog.Logger) (*pipeline, error) {
	store, err := jobstore.Open(cfg.JobStoreDriver, cfg.JobStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	sink, results, err := buildResultSink(ctx, cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	notifier, err := buildNotifier(ctx, cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	backend := analysis.NewLazy(backendFactory(cfg))

	backoff := orchestrator.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}
	orch := orchestrator.New(store, orchestrator.Options{Notifier: notifier})
	launcher := orchestrator.NewLauncher(orch, backend, orchestrator.LauncherConfig{
		MaxAttempts: cfg.LaunchMaxAttempts,
		Backoff:     backoff,
		RateLimit:   cfg.StartRateLimit,
		RateBurst:   cfg.StartRateBurst,
	})
	fetcher := orchestrator.NewFetcher(orch, backend, sink, orchestrator.FetcherConfig{
		MaxAttempts: cfg.FetchMaxAttempts,
		Backoff:     backoff,
	})
	listener := orchestrator.NewListener(orch, fetcher, dispatcher)

	var checker analysis.StatusChecker
	if cfg.ReconcilePoll {
		checker = backend
	}
	reconciler := orchestrator.NewReconciler(orch, launcher, listener, fetcher, checker, orchestrator.ReconcileConfig{
		JobMaxAge:       cfg.JobMaxAge,
		SignalGrace:     cfg.SignalGrace,
		FetchStallAfter: cfg.FetchStallAfter,
		BatchSize:       cfg.ReconcileBatchSize,
	})

	log.Debug().
		Str("backend", cfg.AnalysisBackend).
		Str("store", cfg.JobStoreDriver).
		Str("sink", cfg.ResultSink).
		Msg("Pipeline wired")

	return &pipeline{
		cfg:        cfg,
		store:      store,
		backend:    backend,
		results:    results,
		orch:       orch,
		launcher:   launcher,
		listener:   listener,
		fetcher:    fetcher,
		reconciler: reconciler,
	}, nil
}

func (p *pipeline) Close() error {
	backendErr := p.backend.Close()
	if err := p.store.Close(); err != nil {
		return err
	}
	return backendErr
}

func backendFactory(cfg *config.Config) analysis.Factory {
	acfg := analysis.Config{
		ProjectID:        cfg.GoogleCloudProject,
		Location:         cfg.GoogleCloudLocation,
		ProcessorID:      cfg.DocumentAIProcessorID,
		ProcessorVersion: cfg.DocumentAIProcessorVersion,
		OutputBucket:     cfg.GCSOutputBucket,
		OutputFolder:     cfg.GCSOutputFolder,
		Timeout:          cfg.BackendTimeout,
	}

	return func(ctx context.Context) (analysis.Backend, error) {
		if cfg.AnalysisBackend == config.BackendVision {
			return analysis.NewVisionBackend(ctx, acfg)
		}
		return analysis.NewDocumentAIBackend(ctx, acfg)
	}
}

// buildResultSink returns the configured sink and a reader that resolves
// references written by either sink.
func buildResultSink(ctx context.Context, cfg *config.Config, store *jobstore.Store) (orchestrator.ResultSink, resultsink.Reader, error) {
	storeSink := resultsink.NewStoreSink(store)
	readers := map[string]resultsink.Reader{"db": storeSink}

	var objectSink *resultsink.ObjectSink
	if cfg.ResultS3Endpoint != "" && cfg.ResultS3Bucket != "" {
		var err error
		objectSink, err = resultsink.NewObjectSink(resultsink.ObjectConfig{
			Endpoint:  cfg.ResultS3Endpoint,
			AccessKey: cfg.ResultS3AccessKey,
			SecretKey: cfg.ResultS3SecretKey,
			Bucket:    cfg.ResultS3Bucket,
			Prefix:    cfg.ResultS3Prefix,
			Region:    cfg.ResultS3Region,
			UseSSL:    cfg.ResultS3UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create result sink: %w", err)
		}
		readers[resultsink.ObjectScheme] = objectSink
	}

	resolver := resultsink.NewResolver(readers)
	if cfg.ResultSink != config.SinkObject {
		return storeSink, resolver, nil
	}
	if err := objectSink.EnsureBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to prepare result bucket: %w", err)
	}
	return objectSink, resolver, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, log zerolog.Logger) (alert.Notifier, error) {
	notifiers := alert.Multi{alert.NewLogNotifier()}
	if cfg.AlertSheetURL == "" {
		return notifiers, nil
	}

	sheet, err := alert.NewSheetsNotifier(ctx, cfg.AlertSheetURL, cfg.AlertSheetWorksheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets notifier: %w", err)
	}
	log.Info().Str("worksheet", cfg.AlertSheetWorksheet).Msg("Alerts are appended to Google Sheets")
	return append(notifiers, sheet), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// readInput reads a file argument, or stdin when it is "-" or absent.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}
