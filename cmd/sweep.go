package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"docpipeline/internal/config"
	"docpipeline/internal/logger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass",
	Long: `Run a single reconciliation sweep:

  1. PENDING or STARTED jobs older than JOB_MAX_AGE become ERRORED (timeout)
  2. unclaimed PENDING jobs are launched
  3. STARTED jobs past SIGNAL_GRACE are polled for a lost completion signal
  4. AWAITING_RESULT jobs idle for FETCH_STALL_AFTER are fetched again`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Int("batch-size", 0, "Maximum records per step (default: RECONCILE_BATCH_SIZE)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("sweep")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if batch, _ := cmd.Flags().GetInt("batch-size"); batch > 0 {
		cfg.ReconcileBatchSize = batch
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.reconciler.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("timed out: %d\nrelaunched: %d\nrecovered: %d\nresumed: %d\nerrors: %d\n",
		report.TimedOut, report.Relaunched, report.Recovered, report.Resumed, report.Errors)
	return nil
}
