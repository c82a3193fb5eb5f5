package runtypes

import "time"

// SchedulerMode selects the enabled-template selection rule (spec §4.G).
type SchedulerMode string

const (
	ModeRoundRobin SchedulerMode = "round-robin"
	ModePriority   SchedulerMode = "priority"
)

// TemplateSlot is one entry in the scheduler's rotation.
type TemplateSlot struct {
	TemplateName       string     `json:"templateName"`
	EcosystemVariant   string     `json:"ecosystemVariant"`
	Enabled            bool       `json:"enabled"`
	Priority           int        `json:"priority"`
	TimeSliceMinutes   int        `json:"timeSliceMinutes"`
	CurrentRunID       string     `json:"currentRunId,omitempty"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
	TotalRunTimeMinutes float64   `json:"totalRunTimeMinutes"`
}

// Key identifies a slot by the {templateName, ecosystemVariant} pair the
// spec uses throughout §4.G.
func (t TemplateSlot) Key() string {
	return t.TemplateName + "::" + t.EcosystemVariant
}

// SchedulerState is the global auto-run scheduler configuration. The
// scheduler holds it in memory only; it is not written to or read from
// disk, so it does not survive a daemon restart.
type SchedulerState struct {
	Slots                 []TemplateSlot `json:"slots"`
	MaxConcurrent         int            `json:"maxConcurrent"`
	Mode                  SchedulerMode  `json:"mode"`
	Enabled               bool           `json:"enabled"`
	ConsecutiveFailures   int            `json:"consecutiveFailures"`
	Paused                bool           `json:"paused"`
	PauseReason           string         `json:"pauseReason,omitempty"`
	PauseOnFailure        bool           `json:"pauseOnFailure"`
	MaxFailuresBeforePause int           `json:"maxFailuresBeforePause"`
}
