package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	syncCmd.AddCommand(syncTriggerCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and trigger per-run replication against a running daemon",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status <runID>",
	Short: "Show a run's sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodGet, "/api/sync/"+args[0], nil)
	},
}

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger <runID>",
	Short: "Trigger an out-of-band sync cycle for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/sync/"+args[0]+"/trigger", nil)
	},
}
