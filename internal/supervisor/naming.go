package supervisor

import "strings"

// NameSeparator joins a logical process name to its owning run id. Run ids
// are required (internal/idgen) to never contain this character, and the
// run id is always the strict suffix after the *final* separator — this
// is both halves of the contract spec §9's second Open Question asks for,
// closing the `lastIndexOf('_')` ambiguity the source implementation had
// when a logical service name itself contained underscores.
const NameSeparator = "_"

// ServiceProcessName returns the conventional process name for one
// replica-group of an auxiliary service kind belonging to runID
// (spec §4.B: "<logical>_<runId>").
func ServiceProcessName(kind string, runID string) string {
	return "kromosynth-gRPC-" + kind + NameSeparator + runID
}

// ComputeProcessName returns the conventional process name for the
// compute process belonging to runID (spec §4.B: "<fixed-prefix>-<runId>";
// implemented with the same "_" suffix separator as service names so a
// single ExtractRunID works uniformly across both name shapes).
func ComputeProcessName(runID string) string {
	return "kromosynth-evo-run" + NameSeparator + runID
}

// ExtractRunID returns the run id embedded in a process name, i.e. the
// strict suffix after the final NameSeparator, and whether one was found.
func ExtractRunID(processName string) (string, bool) {
	idx := strings.LastIndex(processName, NameSeparator)
	if idx < 0 || idx == len(processName)-1 {
		return "", false
	}
	return processName[idx+1:], true
}

// HasRunSuffix reports whether processName belongs to runID.
func HasRunSuffix(processName, runID string) bool {
	id, ok := ExtractRunID(processName)
	return ok && id == runID
}
