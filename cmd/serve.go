package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docpipeline/internal/config"
	"docpipeline/internal/logger"
	"docpipeline/internal/server"
	"docpipeline/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve notification endpoints and run the reconciliation loop",
	Long: `Start the HTTP endpoints storage and backend notifications are pushed to,
the worker pool that launches jobs and fetches results, and the periodic
reconciliation sweep.

Endpoints:
  POST /v1/notifications/storage     object-created notifications
  POST /v1/notifications/completion  backend completion notifications
  GET  /v1/jobs/{key}                job record by dedupe key or job id
  GET  /healthz                      store health

Configuration is read from the environment (see .env.example).`,
	Example: `  # Serve on the configured LISTEN_ADDR
  docpipeline serve

  # Override the listen address and sweep interval
  docpipeline serve --addr :9090 --sweep-interval 30s`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default: LISTEN_ADDR)")
	serveCmd.Flags().Duration("sweep-interval", 0, "Reconciliation interval (default: RECONCILE_INTERVAL)")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Grace period for in-flight work on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.ListenAddr
	}
	interval, _ := cmd.Flags().GetDuration("sweep-interval")
	if interval <= 0 {
		interval = cfg.ReconcileInterval
	}
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	ctx, cancel := signalContext(log)
	defer cancel()

	pool := worker.New(cfg.Workers, cfg.QueueSize)

	p, err := buildPipeline(ctx, cfg, pool, log)
	if err != nil {
		_ = pool.Shutdown(context.Background())
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close pipeline")
		}
	}()

	srv := server.New(server.Deps{
		Registry:   p.orch,
		Launcher:   p.launcher,
		Signals:    p.listener,
		Dispatcher: pool,
		Health:     p.store,
	})

	log.Info().
		Str("addr", addr).
		Str("backend", cfg.AnalysisBackend).
		Dur("sweep_interval", interval).
		Int("workers", cfg.Workers).
		Msg("Starting docpipeline")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr, shutdownTimeout)
	})
	g.Go(func() error {
		err := p.reconciler.Run(gctx, interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Worker pool did not drain before the shutdown timeout")
	}

	if runErr != nil {
		return fmt.Errorf("serve failed: %w", runErr)
	}
	log.Info().Msg("docpipeline stopped")
	return nil
}
