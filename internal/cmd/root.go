// Package cmd implements the gradeflow CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chunchiehdev/gradeflow/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "gradeflow",
	Short: "AI grading orchestration service",
	Long: `gradeflow runs AI grading jobs against a pool of rate-limited provider
API keys, with health-based key rotation, provider fallback, and a durable
job queue.

Example:
  gradeflow serve --config gradeflow.yaml
  gradeflow enqueue --result-id res-1 --session sess-1 --user u-1 --file essay.txt --rubric rubric.json
  gradeflow keys status`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootConfigPath string
	rootVerbose    bool
)

// versionInfo is populated by the build via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected through ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gradeflow %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		observability.InitCLILogger(rootVerbose)
	}

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context so
// long-running commands shut down gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
