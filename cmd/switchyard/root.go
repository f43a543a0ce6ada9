package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/config"
)

var (
	configPath string
	envFiles   []string
	debugMode  bool
	noColor    bool

	// cfg is loaded once before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Workflow orchestration core",
	Long: `Switchyard plans routes for work requests, runs the resulting tasks
in dependency order with bounded parallelism, resolves their results under a
coordination policy, and learns better routes from evaluations and feedback.

Capabilities are external commands declared in a catalog file
(capabilities.catalog). Every run is recorded in a local SQLite store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		if err := config.LoadEnvFiles(envFiles...); err != nil {
			return err
		}
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		return err
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Read configuration from this file instead of the XDG and project files")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Load environment variables from these files (default .env)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Write the orchestrator debug log under .switchyard/logs")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
