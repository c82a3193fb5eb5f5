package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	flagAPIBase    string
	flagAdminToken string
)

func init() {
	runCmd.PersistentFlags().StringVar(&flagAPIBase, "api", "http://localhost:8080", "orchestrator daemon base URL")
	runCmd.PersistentFlags().StringVar(&flagAdminToken, "admin-token", "", "admin token for mutating requests")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and control individual runs against a running daemon",
}

func init() {
	runStartCmd.Flags().String("variant", "", "ecosystem variant name")
	runCmd.AddCommand(runListCmd, runStartCmd, runStopCmd, runPauseCmd, runResumeCmd)
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tracked runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodGet, "/api/runs/", nil)
	},
}

var runStartCmd = &cobra.Command{
	Use:   "start <templateName>",
	Short: "Start a new run from a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, _ := cmd.Flags().GetString("variant")
		body, err := json.Marshal(map[string]string{
			"templateName":     args[0],
			"ecosystemVariant": variant,
		})
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		return apiRequest(http.MethodPost, "/api/runs/", body)
	},
}

var runStopCmd = &cobra.Command{
	Use:   "stop <runID>",
	Short: "Stop a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/runs/"+args[0]+"/stop", nil)
	},
}

var runPauseCmd = &cobra.Command{
	Use:   "pause <runID>",
	Short: "Pause a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/runs/"+args[0]+"/pause", nil)
	},
}

var runResumeCmd = &cobra.Command{
	Use:   "resume <runID>",
	Short: "Resume a paused, stopped, or failed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiRequest(http.MethodPost, "/api/runs/"+args[0]+"/resume", nil)
	},
}

// apiRequest issues a request against the running daemon and prints the
// response body, the same thin-client shape as the teacher's index
// subcommands talking to a local server process.
func apiRequest(method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, flagAPIBase+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if flagAdminToken != "" {
		req.Header.Set("X-Admin-Token", flagAdminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
