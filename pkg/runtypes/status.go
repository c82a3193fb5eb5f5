// Package runtypes holds the data model shared by every orchestrator
// component: run records, service info, progress vectors, sync state and
// scheduler state. Nothing in this package talks to disk or to a process;
// it is pure data plus the transition rules that keep it internally
// consistent.
package runtypes

// Status is a run's lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusStopped    Status = "stopped"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// Terminals are states from which a run never transitions on its own.
var Terminals = map[Status]bool{
	StatusStopped:    true,
	StatusTerminated: true,
	StatusFailed:     true,
}

// legalTransitions encodes the graph in spec §4.5, extended per the fuller
// resumeRun contract in §4.E ("Legal from paused, stopped, or failed").
// §4.5's summary graph only draws paused->running; §4.E's operation
// narrative is more specific and is the one this implementation follows
// (see DESIGN.md, Open Question decisions, "`pkg/runtypes/status.go`
// resume transition graph"). "absent" (the zero value,
// before a Run record exists) is represented by the empty Status.
var legalTransitions = map[Status]map[Status]bool{
	"":               {StatusStarting: true},
	StatusStarting:   {StatusRunning: true, "": true},
	StatusRunning:    {StatusStopped: true, StatusTerminated: true, StatusFailed: true, StatusPaused: true},
	StatusPaused:     {StatusRunning: true, StatusStopped: true},
	StatusStopped:    {StatusRunning: true},
	StatusTerminated: {},
	StatusFailed:     {StatusRunning: true},
}

// CanTransition reports whether from -> to is a legal edge in the run
// lifecycle graph (spec §4.5, property P3).
func CanTransition(from, to Status) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return Terminals[s]
}
