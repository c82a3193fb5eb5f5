package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	schedulerCmd.AddCommand(schedulerStatusCmd, schedulerEnableCmd, schedulerDisableCmd, schedulerResumeCmd)
	rootCmd.AddCommand(schedulerCmd)
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Inspect and control the auto-run scheduler on a running daemon",
}

var schedulerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scheduler's current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodGet, "/api/scheduler/", nil)
	},
}

var schedulerEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn slot-filling on",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/scheduler/enable", nil)
	},
}

var schedulerDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn slot-filling off without stopping any already-running auto-scheduled runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/scheduler/disable", nil)
	},
}

var schedulerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a failure-triggered pause and resume slot-filling",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/scheduler/resume", nil)
	},
}
