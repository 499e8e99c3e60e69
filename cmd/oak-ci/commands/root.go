// Package commands provides the oak-ci CLI: start/stop/status for the
// per-project codebase-intelligence daemon. It is grounded on the
// teacher's cmd/opencode/commands (root.go's cobra.Command wiring with
// PersistentPreRun-based logging init, serve.go's daemon startup flow),
// generalized from an interactive assistant CLI to a background
// daemon's lifecycle CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oak-dev/ci-daemon/internal/logging"
)

const Version = "0.1.0"

var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:     "oak-ci",
	Short:   "Codebase intelligence daemon for coding agents",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := logging.DefaultConfig()
		cfg.Level = logging.ParseLevel(logLevel)
		cfg.Output = os.Stderr
		cfg.Pretty = printLogs
		logging.Init(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "d", "", "Project root (defaults to the current directory)")
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr instead of the daemon log file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// resolveWorkDir honors OAK_CI_PROJECT_ROOT (spec.md §6 "Environment
// variables"), then --directory, then the current directory.
func resolveWorkDir() (string, error) {
	if envRoot := os.Getenv("OAK_CI_PROJECT_ROOT"); envRoot != "" {
		return envRoot, nil
	}
	if workDir != "" {
		return workDir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return dir, nil
}
