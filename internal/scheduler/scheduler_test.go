package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kromosynth/orchestrator/internal/runmanager"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunLister is an in-memory RunLister double so scheduler tests don't
// need a real runmanager.Manager, supervisor or disk-backed store.
type fakeRunLister struct {
	mu      sync.Mutex
	runs    map[string]runtypes.Run
	nextSeq int
}

func newFakeRunLister() *fakeRunLister {
	return &fakeRunLister{runs: make(map[string]runtypes.Run)}
}

func (f *fakeRunLister) List() []runtypes.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtypes.Run, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out
}

func (f *fakeRunLister) StartRun(ctx context.Context, in runmanager.StartInput) (runtypes.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	run := runtypes.Run{
		ID:               fmt.Sprintf("run-%s-%d", in.TemplateName, f.nextSeq),
		TemplateName:     in.TemplateName,
		EcosystemVariant: in.EcosystemVariant,
		AutoScheduled:    in.AutoScheduled,
		Status:           runtypes.StatusRunning,
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRunLister) PauseRun(ctx context.Context, runID string, byScheduler bool) (runtypes.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[runID]
	run.Status = runtypes.StatusPaused
	run.PausedByScheduler = byScheduler
	f.runs[runID] = run
	return run, nil
}

func (f *fakeRunLister) ResumeRun(ctx context.Context, runID string) (runtypes.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[runID]
	run.Status = runtypes.StatusRunning
	f.runs[runID] = run
	return run, nil
}

func alwaysExists(name string) bool { return true }

func TestEnableTemplateFillsAFreeSlot(t *testing.T) {
	runs := newFakeRunLister()
	sched := New(Config{MaxConcurrent: 1, TimeSliceMinutes: 30}, runs, alwaysExists, nil)

	require.NoError(t, sched.EnableTemplate(context.Background(), "evo-default", "variantA", 1))

	active := 0
	for _, r := range runs.List() {
		if r.Status == runtypes.StatusRunning {
			active++
		}
	}
	assert.Equal(t, 1, active)

	state := sched.State()
	require.Len(t, state.Slots, 1)
	assert.NotEmpty(t, state.Slots[0].CurrentRunID)
}

func TestMaxConcurrentCapsActiveSlots(t *testing.T) {
	runs := newFakeRunLister()
	sched := New(Config{MaxConcurrent: 1, TimeSliceMinutes: 30}, runs, alwaysExists, nil)

	require.NoError(t, sched.EnableTemplate(context.Background(), "evo-a", "", 1))
	require.NoError(t, sched.EnableTemplate(context.Background(), "evo-b", "", 1))

	active := 0
	for _, r := range runs.List() {
		if r.Status == runtypes.StatusRunning {
			active++
		}
	}
	assert.Equal(t, 1, active, "maxConcurrent=1 must not start a second run")
}

func TestOnRunEndedFailurePausesSchedulerAfterThreshold(t *testing.T) {
	runs := newFakeRunLister()
	sched := New(Config{
		MaxConcurrent:          1,
		TimeSliceMinutes:       30,
		PauseOnFailure:         true,
		MaxFailuresBeforePause: 2,
	}, runs, alwaysExists, nil)

	require.NoError(t, sched.EnableTemplate(context.Background(), "evo-default", "", 1))

	var run runtypes.Run
	for _, r := range runs.List() {
		run = r
	}
	run.Status = runtypes.StatusFailed

	sched.OnRunEnded(context.Background(), run)
	assert.False(t, sched.State().Paused)

	sched.OnRunEnded(context.Background(), run)
	state := sched.State()
	assert.True(t, state.Paused)
	assert.NotEmpty(t, state.PauseReason)
}

func TestDisableClearsTimersSoExpiryNeverFires(t *testing.T) {
	runs := newFakeRunLister()
	sched := New(Config{MaxConcurrent: 1, TimeSliceMinutes: 30}, runs, alwaysExists, nil)
	require.NoError(t, sched.EnableTemplate(context.Background(), "evo-default", "", 1))

	sub := sched.Subscribe()
	defer sub.Unsubscribe()

	sched.Disable()
	assert.False(t, sched.State().Enabled)
	sched.mu.Lock()
	armed := len(sched.timers)
	sched.mu.Unlock()
	assert.Zero(t, armed, "Disable must clear every armed timer")

	// End the run the slot was filled with. fillSlots is a no-op while
	// disabled, even though the slot is now free.
	var ended runtypes.Run
	for _, r := range runs.List() {
		ended = r
	}
	ended.Status = runtypes.StatusStopped
	runs.mu.Lock()
	runs.runs[ended.ID] = ended
	runs.mu.Unlock()
	sched.OnRunEnded(context.Background(), ended)
	active := 0
	for _, r := range runs.List() {
		if r.Status == runtypes.StatusRunning {
			active++
		}
	}
	assert.Zero(t, active, "a disabled scheduler must not fill slots")
}

func TestResumeSchedulingClearsFailurePause(t *testing.T) {
	runs := newFakeRunLister()
	sched := New(Config{
		MaxConcurrent:          1,
		TimeSliceMinutes:       30,
		PauseOnFailure:         true,
		MaxFailuresBeforePause: 1,
	}, runs, alwaysExists, nil)
	require.NoError(t, sched.EnableTemplate(context.Background(), "evo-default", "", 1))

	var run runtypes.Run
	for _, r := range runs.List() {
		run = r
	}
	run.Status = runtypes.StatusFailed
	sched.OnRunEnded(context.Background(), run)
	require.True(t, sched.State().Paused)

	sched.ResumeScheduling(context.Background())
	state := sched.State()
	assert.False(t, state.Paused)
	assert.Empty(t, state.PauseReason)
	assert.Zero(t, state.ConsecutiveFailures)
}

func TestStartPurgesSlotsForMissingTemplates(t *testing.T) {
	runs := newFakeRunLister()
	exists := func(name string) bool { return name == "keep-me" }
	sched := New(Config{MaxConcurrent: 2}, runs, exists, nil)

	sched.Start(context.Background(), []runtypes.TemplateSlot{
		{TemplateName: "keep-me"},
		{TemplateName: "stale-template"},
	})

	state := sched.State()
	require.Len(t, state.Slots, 1)
	assert.Equal(t, "keep-me", state.Slots[0].TemplateName)
}
