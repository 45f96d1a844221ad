package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docpipeline/internal/config"
	"docpipeline/internal/ingest"
	"docpipeline/internal/logger"
	"docpipeline/internal/orchestrator"
)

var signalCmd = &cobra.Command{
	Use:   "signal [notification-file|-]",
	Short: "Apply a backend completion notification",
	Long: `Normalize a completion notification (SNS, Pub/Sub, Textract or the canonical
{"jobId","outcome"} form) and apply it to the job it names. A SUCCEEDED
outcome fetches and persists the result before the command returns.

Signals for unknown jobs and repeated signals are reported and ignored.`,
	Example: `  docpipeline signal completion.json
  echo '{"jobId":"projects/p/locations/us/operations/123","outcome":"SUCCEEDED"}' | docpipeline signal -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSignal,
}

func init() {
	rootCmd.AddCommand(signalCmd)
}

func runSignal(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("signal")

	raw, err := readInput(args)
	if err != nil {
		return fmt.Errorf("failed to read notification: %w", err)
	}

	sig, err := ingest.ParseSignal(raw, time.Now())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer p.Close()

	err = p.listener.OnSignal(ctx, sig)
	var unknown *orchestrator.UnknownJobError
	switch {
	case errors.As(err, &unknown):
		fmt.Printf("ignored: no job with id %s\n", sig.JobID)
		return nil
	case errors.Is(err, orchestrator.ErrDuplicateSignal):
		fmt.Printf("ignored: duplicate signal for %s\n", sig.JobID)
		return nil
	case err != nil:
		return err
	}

	rec, err := p.orch.GetByJobID(ctx, sig.JobID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", rec.JobID, rec.State, valueOr(rec.ResultRef, valueOr(rec.Reason, "-")))
	return nil
}
