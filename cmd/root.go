// Package cmd implements the flowcoordd CLI with cobra.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "flowcoordd",
	Short: "flowcoord - workflow-execution coordinator",
	Long: `flowcoord coordinates workflow execution between a worker process and
its operators: workers register flow definitions and report task progress,
triggers dispatch execution requests over a long-poll channel, and every run
is persisted with duration statistics and slow-outlier detection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default: built-in defaults + FLOWCOORD_ env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
