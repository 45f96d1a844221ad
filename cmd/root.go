package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docpipeline/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "docpipeline",
	Short: "Durable job tracker for asynchronous document analysis",
	Long: `docpipeline turns "object created" notifications into exactly one
asynchronous document analysis job per source object, tracks every job in a
durable store, and persists each result once the backend reports completion.

Run "docpipeline serve" for the push endpoints, worker pool and reconciliation
loop. The remaining commands drive single steps by hand.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}
