package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"docpipeline/internal/config"
	"docpipeline/internal/logger"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <job-id>",
	Short: "Fetch and persist the result of a finished job",
	Long: `Retrieve the result of a job in AWAITING_RESULT from the analysis backend and
persist it to the result sink. A job that already succeeded returns its stored
result reference without calling the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("fetch")

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

	outcome, err := p.fetcher.Fetch(ctx, args[0])
	if err != nil {
		return err
	}

	source := "fetched"
	if outcome.Cached {
		source = "cached"
	}
	fmt.Printf("%s\t%s\t%s\n", outcome.JobID, outcome.ResultRef, source)
	return nil
}
