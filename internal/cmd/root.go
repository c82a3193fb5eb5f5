// Package cmd is the orchestrator daemon's cobra command tree: `serve`
// runs the daemon, `run`/`scheduler`/`sync` are thin clients of the
// running daemon's HTTP API. Grounded in the teacher's internal/cmd root
// (versionInfo struct, SetVersionInfo, persistent flags, here
// --working-root/--log-level/--log-profile), re-pointed at this domain.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo overrides the version reported by `version`. The
// orchestratord main does not call it, so the defaults above are printed.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagWorkingRoot string
	flagLogLevel    string
	flagLogProfile  string
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Orchestrator for long-running evolutionary-search jobs",
	Long: `orchestratord supervises evolutionary-search compute processes and
their auxiliary service clusters: it allocates ports, starts and stops
processes, tracks run lifecycle and progress, schedules auto-run rotation
across templates, and replicates run data to a central host.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkingRoot, "working-root", "working", "root directory for run state, logs and config")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagLogProfile, "log-profile", "STRUCTURED", "log profile (STRUCTURED|CONSOLE)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("orchestratord %s (commit %s, built %s)\n", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
