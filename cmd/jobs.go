package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"docpipeline/internal/config"
	"docpipeline/internal/jobstore"
	"docpipeline/internal/logger"
	"docpipeline/internal/server"
	"docpipeline/pkg/models"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job records",
	Long: `Inspect the job store. These commands only read state and do not need
analysis backend credentials.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records",
	Example: `  # Everything that ended in error
  docpipeline jobs list --state ERRORED

  # Jobs still waiting for the backend, as JSON
  docpipeline jobs list --state PENDING,STARTED --json`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <dedupe-key|job-id>",
	Short: "Show a single job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)

	jobsListCmd.Flags().StringSlice("state", nil, "Only list jobs in these states")
	jobsListCmd.Flags().Int("limit", 100, "Maximum number of records")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")

	jobsShowCmd.Flags().Bool("payload", false, "Print the persisted result document")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	states, _ := cmd.Flags().GetStringSlice("state")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	filter := jobstore.Filter{Limit: limit}
	for _, s := range states {
		state := models.JobState(strings.ToUpper(strings.TrimSpace(s)))
		if !state.Valid() {
			return fmt.Errorf("unknown state %q", s)
		}
		filter.States = append(filter.States, state)
	}

	cfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	store, err := jobstore.Open(cfg.JobStoreDriver, cfg.JobStoreDSN)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if jsonOutput {
		views := make([]server.JobView, 0, len(records))
		for _, rec := range records {
			views = append(views, server.NewJobView(rec))
		}
		return printJSON(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEDUPE KEY\tSOURCE\tJOB ID\tSTATE\tREASON\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortKey(rec.DedupeKey),
			rec.SourceID,
			valueOr(rec.JobID, "-"),
			rec.State,
			valueOr(rec.Reason, "-"),
			rec.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("jobs")
	withPayload, _ := cmd.Flags().GetBool("payload")

	cfg, err := config.LoadStore()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store, err := jobstore.Open(cfg.JobStoreDriver, cfg.JobStoreDSN)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	rec, err := store.Get(ctx, args[0])
	if err != nil {
		rec, err = store.GetByJobID(ctx, args[0])
	}
	if err != nil {
		return fmt.Errorf("no job with dedupe key or job id %q: %w", args[0], err)
	}

	out := struct {
		server.JobView
		Result json.RawMessage `json:"result,omitempty"`
	}{JobView: server.NewJobView(rec)}

	if withPayload && rec.ResultRef != "" {
		_, results, err := buildResultSink(ctx, cfg, store)
		if err != nil {
			return err
		}
		payload, err := results.Get(ctx, rec.ResultRef)
		if err != nil {
			log.Warn().Err(err).Str("result_ref", rec.ResultRef).Msg("Failed to read result document")
			return err
		}
		out.Result = payload
	}

	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
