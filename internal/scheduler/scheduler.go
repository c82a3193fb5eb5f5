// Package scheduler implements the Auto-Run Scheduler (spec §4.G): it
// rotates a fixed set of enabled templates through maxConcurrent
// simultaneously-active auto-scheduled runs, each bounded by a
// time-slice, with failure back-off that can pause the scheduler itself.
// Grounded in the teacher's internal/cmd periodic-job-trigger idiom
// (timer-driven re-invocation of a selection routine), generalized from
// "reindex on a timer" to "fill N template slots, manage per-slot
// warning/expiry timers, and back off on repeated failure".
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kromosynth/orchestrator/internal/eventbus"
	"github.com/kromosynth/orchestrator/internal/runmanager"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"go.uber.org/zap"
)

// RunLister is the subset of runmanager.Manager the scheduler needs to
// decide which template slots are free.
type RunLister interface {
	List() []runtypes.Run
	StartRun(ctx context.Context, in runmanager.StartInput) (runtypes.Run, error)
	PauseRun(ctx context.Context, runID string, byScheduler bool) (runtypes.Run, error)
	ResumeRun(ctx context.Context, runID string) (runtypes.Run, error)
}

// TemplateExists reports whether name is a known template, used to purge
// stale enabled entries at startup.
type TemplateExists func(name string) bool

// Config is the scheduler's tunable policy.
type Config struct {
	Mode                   runtypes.SchedulerMode
	MaxConcurrent          int
	TimeSliceMinutes       int
	PauseOnFailure         bool
	MaxFailuresBeforePause int
}

// Scheduler rotates enabled templates through maxConcurrent active slots.
type Scheduler struct {
	mu sync.Mutex

	cfg   Config
	runs  RunLister
	exist TemplateExists
	log   *zap.Logger

	state runtypes.SchedulerState

	timers map[string]*slotTimers

	events *eventbus.Bus[string]
}

type slotTimers struct {
	warning *time.Timer
	expiry  *time.Timer
}

// New constructs a Scheduler. It does not start until Start is called.
func New(cfg Config, runs RunLister, exist TemplateExists, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.TimeSliceMinutes <= 0 {
		cfg.TimeSliceMinutes = 30
	}
	return &Scheduler{
		cfg:    cfg,
		runs:   runs,
		exist:  exist,
		log:    log,
		state: runtypes.SchedulerState{
			Enabled:                true,
			MaxConcurrent:          cfg.MaxConcurrent,
			Mode:                   cfg.Mode,
			PauseOnFailure:         cfg.PauseOnFailure,
			MaxFailuresBeforePause: cfg.MaxFailuresBeforePause,
		},
		timers: make(map[string]*slotTimers),
		events: eventbus.New[string](64),
	}
}

// Subscribe returns a subscription to scheduler-wide named events
// ("time-slice-started", "time-slice-ending", "time-slice-expired",
// "auto-run-status-change").
func (s *Scheduler) Subscribe() *eventbus.Subscription[string] {
	return s.events.Subscribe()
}

// Start purges enabled entries pointing at templates that no longer
// exist, then, if enabled and not paused, fills every free slot (spec
// §4.G "Startup behavior").
func (s *Scheduler) Start(ctx context.Context, enabled []runtypes.TemplateSlot) {
	s.mu.Lock()
	filtered := enabled[:0:0]
	for _, slot := range enabled {
		if s.exist(slot.TemplateName) {
			filtered = append(filtered, slot)
		}
	}
	s.state.Slots = filtered
	shouldFill := s.state.Enabled && !s.state.Paused
	s.mu.Unlock()

	if shouldFill {
		s.fillSlots(ctx)
	}
}

// EnableTemplate verifies templateName exists and adds (or re-enables) a
// slot for it.
func (s *Scheduler) EnableTemplate(ctx context.Context, templateName, variant string, priority int) error {
	if !s.exist(templateName) {
		return fmt.Errorf("template %q does not exist", templateName)
	}
	s.mu.Lock()
	found := false
	for i, slot := range s.state.Slots {
		if slot.TemplateName == templateName && slot.EcosystemVariant == variant {
			s.state.Slots[i].Priority = priority
			found = true
		}
	}
	if !found {
		s.state.Slots = append(s.state.Slots, runtypes.TemplateSlot{TemplateName: templateName, EcosystemVariant: variant, Priority: priority})
	}
	s.mu.Unlock()

	s.events.Publish("auto-run-status-change")
	s.fillSlots(ctx)
	return nil
}

// DisableTemplate clears a slot's timers and currentRunId without
// stopping any already-running run (the run continues as a manually
// managed run, per spec's "slot is free" semantics).
func (s *Scheduler) DisableTemplate(templateName, variant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runtypes.TemplateSlot{TemplateName: templateName, EcosystemVariant: variant}.Key()
	s.clearTimersLocked(key)
	for i, slot := range s.state.Slots {
		if slot.TemplateName == templateName && slot.EcosystemVariant == variant {
			s.state.Slots[i].CurrentRunID = ""
		}
	}
	s.events.Publish("auto-run-status-change")
}

// RemoveTemplate clears timers and current-run tracking and drops the
// slot entirely.
func (s *Scheduler) RemoveTemplate(templateName, variant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runtypes.TemplateSlot{TemplateName: templateName, EcosystemVariant: variant}.Key()
	s.clearTimersLocked(key)
	out := s.state.Slots[:0]
	for _, slot := range s.state.Slots {
		if slot.TemplateName == templateName && slot.EcosystemVariant == variant {
			continue
		}
		out = append(out, slot)
	}
	s.state.Slots = out
}

// OnRunEnded is invoked by the component wiring the Run Manager's
// "run-ended" event to the scheduler: it updates failure back-off state
// and attempts to fill the slot the ended run freed (spec §4.G "Slot
// filling").
func (s *Scheduler) OnRunEnded(ctx context.Context, run runtypes.Run) {
	s.mu.Lock()
	key := runtypes.TemplateSlot{TemplateName: run.TemplateName, EcosystemVariant: run.EcosystemVariant}.Key()
	s.clearTimersLocked(key)
	for i, slot := range s.state.Slots {
		if slot.Key() == key {
			s.state.Slots[i].CurrentRunID = ""
		}
	}

	if run.Status == runtypes.StatusFailed {
		s.state.ConsecutiveFailures++
		if s.cfg.PauseOnFailure && s.state.ConsecutiveFailures >= s.cfg.MaxFailuresBeforePause {
			s.state.Paused = true
			s.state.PauseReason = fmt.Sprintf("%d consecutive failures", s.state.ConsecutiveFailures)
			s.mu.Unlock()
			s.events.Publish("auto-run-status-change")
			return
		}
	} else {
		s.state.ConsecutiveFailures = 0
	}
	paused := s.state.Paused
	s.mu.Unlock()

	if !paused {
		s.fillSlots(ctx)
	}
}

// fillSlots selects free slots up to maxConcurrent capacity and starts
// (or resumes) a run for each (spec §4.G "Slot filling").
func (s *Scheduler) fillSlots(ctx context.Context) {
	s.mu.Lock()
	if !s.state.Enabled || s.state.Paused {
		s.mu.Unlock()
		return
	}

	active := 0
	for _, run := range s.runs.List() {
		if run.AutoScheduled && run.Status == runtypes.StatusRunning {
			active++
		}
	}

	free := s.cfg.MaxConcurrent - active
	var candidates []runtypes.TemplateSlot
	for _, slot := range s.state.Slots {
		if slot.CurrentRunID != "" {
			continue
		}
		candidates = append(candidates, slot)
	}
	sortCandidates(candidates, s.cfg.Mode)
	s.mu.Unlock()

	for i := 0; i < free && i < len(candidates); i++ {
		s.startSlot(ctx, candidates[i])
	}
}

func sortCandidates(slots []runtypes.TemplateSlot, mode runtypes.SchedulerMode) {
	for i := 1; i < len(slots); i++ {
		j := i
		for j > 0 && less(slots[j], slots[j-1], mode) {
			slots[j], slots[j-1] = slots[j-1], slots[j]
			j--
		}
	}
}

func less(a, b runtypes.TemplateSlot, mode runtypes.SchedulerMode) bool {
	if mode == runtypes.ModePriority {
		return a.Priority < b.Priority
	}
	if a.LastRunAt == nil {
		return b.LastRunAt != nil
	}
	if b.LastRunAt == nil {
		return false
	}
	return a.LastRunAt.Before(*b.LastRunAt)
}

func (s *Scheduler) startSlot(ctx context.Context, slot runtypes.TemplateSlot) {
	var run runtypes.Run
	var err error

	paused := s.findPausedRun(slot)
	if paused != nil {
		run, err = s.runs.ResumeRun(ctx, paused.ID)
	} else {
		run, err = s.runs.StartRun(ctx, runmanager.StartInput{
			TemplateName:     slot.TemplateName,
			EcosystemVariant: slot.EcosystemVariant,
			AutoScheduled:    true,
		})
	}
	if err != nil {
		s.log.Warn("scheduler failed to start slot", zap.String("template", slot.TemplateName), zap.Error(err))
		return
	}

	now := time.Now()
	s.mu.Lock()
	for i := range s.state.Slots {
		if s.state.Slots[i].Key() == slot.Key() {
			s.state.Slots[i].CurrentRunID = run.ID
			s.state.Slots[i].LastRunAt = &now
		}
	}
	s.armTimersLocked(ctx, slot)
	s.mu.Unlock()

	s.events.Publish("time-slice-started")
}

func (s *Scheduler) findPausedRun(slot runtypes.TemplateSlot) *runtypes.Run {
	for _, run := range s.runs.List() {
		if run.AutoScheduled && run.TemplateName == slot.TemplateName && run.EcosystemVariant == slot.EcosystemVariant &&
			run.Status == runtypes.StatusPaused && run.PausedByScheduler {
			r := run
			return &r
		}
	}
	return nil
}

// armTimersLocked starts the warning and expiry timers for slot. Caller
// must hold s.mu.
func (s *Scheduler) armTimersLocked(ctx context.Context, slot runtypes.TemplateSlot) {
	duration := time.Duration(s.cfg.TimeSliceMinutes) * time.Minute
	warnAt := duration / 2
	if 5*time.Minute < warnAt {
		warnAt = 5 * time.Minute
	}
	key := slot.Key()

	warning := time.AfterFunc(duration-warnAt, func() {
		s.events.Publish("time-slice-ending")
	})
	expiry := time.AfterFunc(duration, func() {
		s.onExpiry(ctx, slot)
	})
	s.timers[key] = &slotTimers{warning: warning, expiry: expiry}
}

func (s *Scheduler) onExpiry(ctx context.Context, slot runtypes.TemplateSlot) {
	s.mu.Lock()
	var runID string
	for i := range s.state.Slots {
		if s.state.Slots[i].Key() == slot.Key() {
			runID = s.state.Slots[i].CurrentRunID
			s.state.Slots[i].CurrentRunID = ""
			s.state.Slots[i].TotalRunTimeMinutes += float64(s.cfg.TimeSliceMinutes)
		}
	}
	s.mu.Unlock()

	if runID != "" {
		if _, err := s.runs.PauseRun(ctx, runID, true); err != nil {
			s.log.Warn("scheduler failed to pause expired run", zap.String("run", runID), zap.Error(err))
		}
	}
	s.events.Publish("time-slice-expired")
	s.fillSlots(ctx)
}

// clearTimersLocked stops and forgets key's timers. Caller must hold s.mu.
func (s *Scheduler) clearTimersLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.warning.Stop()
		t.expiry.Stop()
		delete(s.timers, key)
	}
}

// State returns a snapshot of the scheduler's in-memory state.
func (s *Scheduler) State() runtypes.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disable turns off slot-filling and clears every armed timer, so no
// time-slice-expired event can fire for any run afterward (spec §8, P8).
// Already-running auto-scheduled runs are left alone; only future timers
// and slot-fills stop.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.state.Enabled = false
	for key := range s.timers {
		s.clearTimersLocked(key)
	}
	s.mu.Unlock()
	s.events.Publish("auto-run-status-change")
}

// Enable turns slot-filling back on and immediately attempts to fill any
// free slots.
func (s *Scheduler) Enable(ctx context.Context) {
	s.mu.Lock()
	s.state.Enabled = true
	s.mu.Unlock()
	s.events.Publish("auto-run-status-change")
	s.fillSlots(ctx)
}

// ResumeScheduling clears a failure-triggered pause (distinct from
// Enable/Disable, which reflect an operator's explicit choice) and
// resumes slot-filling.
func (s *Scheduler) ResumeScheduling(ctx context.Context) {
	s.mu.Lock()
	s.state.Paused = false
	s.state.PauseReason = ""
	s.state.ConsecutiveFailures = 0
	s.mu.Unlock()
	s.events.Publish("auto-run-status-change")
	s.fillSlots(ctx)
}
