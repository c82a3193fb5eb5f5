// Command orchestratord is the orchestrator daemon: it loads
// configuration and templates, wires the eight internal components
// together, and serves the HTTP control surface until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/kromosynth/orchestrator/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
