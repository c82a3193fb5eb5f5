package runtypes

import "time"

// ServiceStatus mirrors the process-manager status vocabulary exposed by
// the supervisor (spec §4.B), narrowed to what a Run's service list needs.
type ServiceStatus string

const (
	ServiceOnline    ServiceStatus = "online"
	ServiceStopped   ServiceStatus = "stopped"
	ServiceErrored   ServiceStatus = "errored"
	ServiceLaunching ServiceStatus = "launching"
	ServiceStopping  ServiceStatus = "stopping"
)

// ServiceEntry is one auxiliary process's status within a run's cluster.
type ServiceEntry struct {
	Name   string        `json:"name"`
	Kind   string        `json:"kind"`
	Status ServiceStatus `json:"status"`
	Pid    int           `json:"pid,omitempty"`
	CPU    float64       `json:"cpu,omitempty"`
	RSS    int64         `json:"rss,omitempty"`
}

// PortAllocation is the half-open port interval reserved for one run.
type PortAllocation struct {
	RunID string `json:"runId"`
	Start int    `json:"start"`
	Size  int    `json:"size"`
}

// End returns the exclusive upper bound of the interval.
func (a PortAllocation) End() int { return a.Start + a.Size }

// Overlaps reports whether a and b share any port.
func (a PortAllocation) Overlaps(b PortAllocation) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// ServiceInfo is the concrete result of standing up a run's service
// cluster: the port allocation, the resolved service entries, and the
// WebSocket URLs injected into the compute-run config.
type ServiceInfo struct {
	Allocation  PortAllocation         `json:"allocation"`
	Services    []ServiceEntry         `json:"services"`
	ServiceURLs map[string][]string    `json:"serviceUrls"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// AllOnline reports whether every service entry is online (spec invariant
// I4: a run's service set is either fully up or being brought down).
func (s ServiceInfo) AllOnline() bool {
	if len(s.Services) == 0 {
		return true
	}
	for _, svc := range s.Services {
		if svc.Status != ServiceOnline {
			return false
		}
	}
	return true
}

// Progress is a run's monotonic progress vector (spec §4.E, P4).
type Progress struct {
	Generation         int      `json:"generation"`
	TotalGenerations   int      `json:"totalGenerations"`
	Coverage           float64  `json:"coverage"`
	QDScore            *float64 `json:"qdScore,omitempty"`
	BestFitness        *float64 `json:"bestFitness,omitempty"`
	CompletionPercent  float64  `json:"completionPercent,omitempty"`
}

// Merge applies a delta on top of p, keeping the merge monotonic: fields
// the delta doesn't touch are left alone, and Generation/Coverage/QDScore
// are only advanced, never regressed (spec P4). It returns the merged
// value and whether anything actually changed.
func (p Progress) Merge(delta ProgressDelta) (Progress, bool) {
	out := p
	changed := false
	if delta.Generation != nil && *delta.Generation > out.Generation {
		out.Generation = *delta.Generation
		changed = true
	}
	if delta.Coverage != nil && *delta.Coverage > out.Coverage {
		out.Coverage = *delta.Coverage
		changed = true
	}
	if delta.QDScore != nil && (out.QDScore == nil || *delta.QDScore > *out.QDScore) {
		v := *delta.QDScore
		out.QDScore = &v
		changed = true
	}
	if delta.BestFitness != nil && (out.BestFitness == nil || *delta.BestFitness > *out.BestFitness) {
		v := *delta.BestFitness
		out.BestFitness = &v
		changed = true
	}
	if delta.CompletionPercent != nil && *delta.CompletionPercent > out.CompletionPercent {
		out.CompletionPercent = *delta.CompletionPercent
		changed = true
	}
	return out, changed
}

// ProgressDelta is a parsed increment produced by the progress parser.
type ProgressDelta struct {
	Generation        *int
	Coverage          *float64
	QDScore           *float64
	BestFitness       *float64
	CompletionPercent *float64
}

// Run is the central entity owned exclusively by the Run Manager.
type Run struct {
	ID               string `json:"id"`
	TemplateName     string `json:"templateName"`
	EcosystemVariant string `json:"ecosystemVariant"`
	Status           Status `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	PauseCount         int           `json:"pauseCount"`
	TotalActiveMillis  int64         `json:"totalActiveMillis"`
	TimeSliceStartedAt *time.Time    `json:"timeSliceStartedAt,omitempty"`

	AutoScheduled bool `json:"autoScheduled"`

	// PausedByScheduler is a derived flag, not a status: it records whether
	// the most recent pause was scheduler-driven (quota expiry) rather than
	// user-initiated, so a subsequent resumeRun call knows whether to
	// re-arm scheduler bookkeeping. spec §9 Open Questions.
	PausedByScheduler bool `json:"pausedByScheduler"`

	ComputeProcessName string `json:"computeProcessName,omitempty"`
	WorkingDir         string `json:"workingDir"`

	ServiceInfo ServiceInfo `json:"serviceInfo"`
	Progress    Progress    `json:"progress"`

	ExitCode *int   `json:"exitCode,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	// live-only fields, never persisted meaningfully (spec P7): populated
	// from the supervisor snapshot at read time and zero on reload.
	Pid int     `json:"-"`
	CPU float64 `json:"-"`
	RSS int64   `json:"-"`
}

// Clone returns a deep-enough copy of r safe to hand to a caller without
// sharing mutable state with the store (spec §9, "avoid direct
// pointer-sharing of the run record across goroutines").
func (r Run) Clone() Run {
	out := r
	out.ServiceInfo.Services = append([]ServiceEntry(nil), r.ServiceInfo.Services...)
	if r.ServiceInfo.ServiceURLs != nil {
		out.ServiceInfo.ServiceURLs = make(map[string][]string, len(r.ServiceInfo.ServiceURLs))
		for k, v := range r.ServiceInfo.ServiceURLs {
			out.ServiceInfo.ServiceURLs[k] = append([]string(nil), v...)
		}
	}
	return out
}
