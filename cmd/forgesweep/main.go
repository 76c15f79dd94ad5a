package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	// exitCode is set by commands that report their outcome through the
	// exit status; os.Exit must only happen here, after deferred
	// cleanups have run.
	exitCode int

	rootCmd = &cobra.Command{
		Use:   "forgesweep",
		Short: "Forgesweep - codemod run and publish orchestration",
		Long: `Forgesweep applies scripted codemods across many repositories and
publishes the results as direct pushes or merge proposals. Single
repositories are handled with "run"; fleets of repositories are handled
with the "batch" subcommands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}
