package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docpipeline/internal/config"
	"docpipeline/internal/ingest"
	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [notification-file|-]",
	Short: "Ingest a storage notification and launch its analysis job",
	Long: `Normalize a raw "object created" notification (S3, SNS, Pub/Sub, GCS or the
canonical {"bucket","key"} form), register a job record for every object it
names and launch the analysis job synchronously.

Repeated notifications for the same object return the existing job.`,
	Example: `  # Ingest an S3 event notification
  docpipeline ingest s3-event.json

  # Read the notification from stdin
  echo '{"bucket":"invoices","key":"2026/doc1.pdf"}' | docpipeline ingest -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Bool("json", false, "Output job handles as JSON")
	ingestCmd.Flags().Bool("register-only", false, "Record the job without launching it")
}

func runIngest(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("ingest")

	jsonOutput, _ := cmd.Flags().GetBool("json")
	registerOnly, _ := cmd.Flags().GetBool("register-only")

	raw, err := readInput(args)
	if err != nil {
		return fmt.Errorf("failed to read notification: %w", err)
	}

	events, err := ingest.IngestAll(raw, time.Now())
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

	handles := make([]*models.JobHandle, 0, len(events))
	for _, event := range events {
		var handle *models.JobHandle
		if registerOnly {
			rec, created, err := p.orch.Register(ctx, event)
			if err != nil {
				return err
			}
			handle = &models.JobHandle{
				DedupeKey: rec.DedupeKey,
				SourceID:  rec.SourceID,
				JobID:     rec.JobID,
				State:     rec.State,
				Existing:  !created,
			}
		} else {
			handle, err = p.launcher.Launch(ctx, event)
			if err != nil {
				return err
			}
		}

		log.Info().
			Str("source_id", handle.SourceID).
			Str("dedupe_key", handle.DedupeKey).
			Str("job_id", handle.JobID).
			Str("state", handle.State.String()).
			Bool("existing", handle.Existing).
			Msg("Source event handled")
		handles = append(handles, handle)
	}

	if jsonOutput {
		return printJSON(handles)
	}

	for _, h := range handles {
		status := h.State.String()
		switch {
		case h.InProgress:
			status += " (launch in progress elsewhere)"
		case h.Existing:
			status += " (existing)"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", h.SourceID, h.DedupeKey, valueOr(h.JobID, "-"), status)
	}
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
