//go:build !linux

package execbackend

import "fmt"

// readRSSBytes has no portable non-/proc implementation; memory-triggered
// restart is a best-effort Linux feature (spec §4.B Non-goals exclude
// cross-platform resource accounting).
func readRSSBytes(pid int) (int64, error) {
	return 0, fmt.Errorf("RSS sampling unsupported on this platform")
}
