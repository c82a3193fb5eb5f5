// Package runmanager implements the Run Manager (spec §4.E), the
// component that owns Run records exclusively: it drives the lifecycle
// state machine, starts and tears down each run's compute process and
// service cluster, classifies exits, extracts progress from the log
// stream, and persists every state-mutating operation atomically.
// Grounded in the teacher's pkg/jobregistry.Executor (spawn + record +
// persist) fused with its reflowstate resumable-state-machine idiom,
// generalized to a multi-state, multi-service run rather than a single
// background job.
package runmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kromosynth/orchestrator/internal/apperrors"
	"github.com/kromosynth/orchestrator/internal/eventbus"
	"github.com/kromosynth/orchestrator/internal/idgen"
	"github.com/kromosynth/orchestrator/internal/portalloc"
	"github.com/kromosynth/orchestrator/internal/progressparser"
	"github.com/kromosynth/orchestrator/internal/runstore"
	"github.com/kromosynth/orchestrator/internal/servicedeps"
	"github.com/kromosynth/orchestrator/internal/servicegraph"
	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/internal/workingdir"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"github.com/kromosynth/orchestrator/pkg/template"
	"go.uber.org/zap"
)

// ProgressPersistInterval bounds how often progress updates hit disk
// (spec §4.E, "Persist progress at most every 30 s").
const ProgressPersistInterval = 30 * time.Second

// Event is published on Manager's event bus for every named lifecycle
// occurrence spec §8 enumerates ("run-started", "run-progress", ...).
type Event struct {
	Name  string
	RunID string
	Run   runtypes.Run
}

// StartInput describes a new run request.
type StartInput struct {
	TemplateName     string
	EcosystemVariant string
	AutoScheduled    bool
	Options          runtypes.RunOptions
}

// Manager owns Run records and coordinates the components underneath it.
type Manager struct {
	mu sync.Mutex

	store    *runstore.Store
	ports    *portalloc.Allocator
	sup      *supervisor.Supervisor
	svcdeps  *servicedeps.Manager
	ids      *idgen.Generator
	log      *zap.Logger
	templates func(name string) (template.Template, bool)
	triggerSync func(ctx context.Context, runID string)
	defaultOpts runtypes.RunOptions

	events *eventbus.Bus[Event]

	runs map[string]*runtypes.Run

	stopLogPump func()
}

// New wires a Manager. templates resolves a template by name, typically
// (*template.Registry).Get, which serve reloads on template-file changes.
// triggerSync runs
// one final sync cycle for a run, blocking until it completes or is
// skipped (typically *syncmanager.Manager.Trigger); classifyExit and
// StopRun call it synchronously before publishing a terminal event, per
// spec §5's ordering guarantee that a run-ended event is never observed
// before its final sync attempt completes. A nil triggerSync is a no-op.
// defaultOpts is the already-merged working/global-defaults.json +
// environment layer (spec §6); per-request Options passed to StartRun
// override it.
func New(store *runstore.Store, ports *portalloc.Allocator, sup *supervisor.Supervisor, svcdeps *servicedeps.Manager, templates func(string) (template.Template, bool), triggerSync func(context.Context, string), defaultOpts runtypes.RunOptions, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if triggerSync == nil {
		triggerSync = func(context.Context, string) {}
	}
	m := &Manager{
		store:       store,
		ports:       ports,
		sup:         sup,
		svcdeps:     svcdeps,
		ids:         idgen.NewGenerator(),
		templates:   templates,
		triggerSync: triggerSync,
		defaultOpts: defaultOpts,
		log:         log,
		events:      eventbus.New[Event](512),
		runs:        make(map[string]*runtypes.Run),
	}
	logSub := sup.SubscribeLogs()
	lifecycleSub := sup.SubscribeLifecycle()
	stop := make(chan struct{})
	go m.pumpLogs(logSub, stop)
	go m.pumpLifecycle(lifecycleSub, stop)
	m.stopLogPump = func() { close(stop) }
	return m
}

// Subscribe returns a subscription to the named-event stream (spec §8).
func (m *Manager) Subscribe() *eventbus.Subscription[Event] {
	return m.events.Subscribe()
}

func (m *Manager) publish(name string, run runtypes.Run) {
	m.events.Publish(Event{Name: name, RunID: run.ID, Run: run})
}

// Load reconciles every persisted run against the live supervisor at
// startup (spec §4.F "load()"), restoring port allocations for runs
// found still alive.
func (m *Manager) Load(ctx context.Context) error {
	runs, err := m.store.List(supervisorLiveLister{m.sup})
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range runs {
		run := runs[i]
		if run.Status == runtypes.StatusRunning {
			if err := m.ports.Restore(run.ServiceInfo.Allocation); err != nil {
				m.log.Warn("failed to restore port allocation on load", zap.String("run", run.ID), zap.Error(err))
			}
		}
		m.runs[run.ID] = &run
	}
	return nil
}

type supervisorLiveLister struct{ sup *supervisor.Supervisor }

func (s supervisorLiveLister) IsAlive(computeProcessName string) bool {
	rec, err := s.sup.Describe(context.Background(), computeProcessName)
	if err != nil {
		return false
	}
	return rec.Status == supervisor.StatusOnline || rec.Status == supervisor.StatusLaunching
}

// StartRun creates a new Run, allocates ports, resolves and starts its
// service cluster, spawns the compute process, and persists the result
// (spec §4.E "startRun"). If bring-up fails the run goes from starting
// back to absent: its record is dropped and nothing is persisted.
func (m *Manager) StartRun(ctx context.Context, in StartInput) (runtypes.Run, error) {
	tmpl, ok := m.templates(in.TemplateName)
	if !ok {
		return runtypes.Run{}, apperrors.New(apperrors.KindNotFound, "runmanager.StartRun", in.TemplateName,
			fmt.Errorf("%w: template", apperrors.ErrNotFound))
	}

	runID := m.ids.NewRunID()
	now := time.Now().UTC()

	run := &runtypes.Run{
		ID:               runID,
		TemplateName:     in.TemplateName,
		EcosystemVariant: in.EcosystemVariant,
		Status:           runtypes.StatusStarting,
		CreatedAt:        now,
		AutoScheduled:    in.AutoScheduled,
		ComputeProcessName: supervisor.ComputeProcessName(runID),
		WorkingDir:       "",
	}

	m.mu.Lock()
	m.runs[runID] = run
	m.mu.Unlock()

	opts := m.defaultOpts.Merge(in.Options)
	if err := m.bringUp(ctx, run, tmpl, opts); err != nil {
		m.mu.Lock()
		delete(m.runs, runID)
		m.mu.Unlock()
		return runtypes.Run{}, err
	}

	m.mu.Lock()
	run.Status = runtypes.StatusRunning
	run.StartedAt = &now
	run.TimeSliceStartedAt = &now
	m.mu.Unlock()

	if err := m.store.Write(run); err != nil {
		return *run, fmt.Errorf("persist run %s: %w", runID, err)
	}
	m.publish("run-started", *run)
	return *run, nil
}

// bringUp allocates ports, resolves and starts the service cluster, lays
// out the working directory, injects endpoints, and starts the compute
// process. On any failure it releases whatever it already claimed.
func (m *Manager) bringUp(ctx context.Context, run *runtypes.Run, tmpl template.Template, opts runtypes.RunOptions) error {
	alloc, err := m.ports.Allocate(run.ID)
	if err != nil {
		return err
	}

	layout := workingdir.New(opts.WorkingRoot, run.ID)
	if err := layout.Ensure(); err != nil {
		m.ports.Release(run.ID)
		return err
	}
	run.WorkingDir = layout.Root

	var services []servicegraph.ResolvedService
	if variant, ok := tmpl.Variant(run.EcosystemVariant); ok {
		services, err = servicegraph.Resolve(run.ID, variant, tmpl.ComputeRunConfig, alloc, layout.Root, layout.LogDir)
		if err != nil {
			m.ports.Release(run.ID)
			return err
		}
	}

	var svcInfo runtypes.ServiceInfo
	if len(services) > 0 {
		svcInfo, err = m.svcdeps.StartServicesForRun(ctx, run.ID, services, "127.0.0.1")
		if err != nil {
			m.ports.Release(run.ID)
			return err
		}
	}
	svcInfo.Allocation = alloc
	run.ServiceInfo = svcInfo

	cfg := tmpl.ComputeRunConfig
	cfg.Ports = map[string]int{"base": alloc.Start}
	cfg.ServiceURLs = svcInfo.ServiceURLs
	run.Progress.TotalGenerations = cfg.TotalGenerations()

	encoded, err := cfg.Encode()
	if err != nil {
		m.teardown(ctx, run.ID)
		return err
	}
	if err := layout.WriteConfig(encoded); err != nil {
		m.teardown(ctx, run.ID)
		return err
	}

	spec := supervisor.Spec{
		Name:          run.ComputeProcessName,
		Executable:    opts.CLIScriptPath,
		Args:          []string{layout.ConfigPath},
		Cwd:           layout.Root,
		Interpreter:   opts.NodeInterpreter,
		StdoutLogPath: layout.LogDir + "/compute.out.log",
		StderrLogPath: layout.LogDir + "/compute.err.log",
	}
	if err := m.sup.Start(ctx, spec); err != nil {
		m.teardown(ctx, run.ID)
		return err
	}

	return nil
}

func (m *Manager) teardown(ctx context.Context, runID string) {
	m.svcdeps.StopServicesForRun(ctx, runID)
	m.ports.Release(runID)
}

// StopRun stops a run's compute process and service cluster, persists the
// terminal "stopped" status, and triggers a final sync before publishing
// "run-stopped" (spec §4.E "stopRun", spec §5 ordering guarantee).
func (m *Manager) StopRun(ctx context.Context, runID string) (runtypes.Run, error) {
	run, err := m.mustGet(runID)
	if err != nil {
		return runtypes.Run{}, err
	}

	m.mu.Lock()
	if !runtypes.CanTransition(run.Status, runtypes.StatusStopped) {
		m.mu.Unlock()
		return *run, apperrors.New(apperrors.KindConflict, "runmanager.StopRun", runID, apperrors.ErrIllegalTransition)
	}
	m.mu.Unlock()

	for _, e := range m.sup.StopAndDelete(ctx, run.ComputeProcessName) {
		m.log.Warn("failed to stop compute process", zap.String("run", runID), zap.Error(e))
	}
	m.svcdeps.StopServicesForRun(ctx, runID)
	m.ports.Release(runID)

	now := time.Now().UTC()
	m.mu.Lock()
	run.Status = runtypes.StatusStopped
	run.StoppedAt = &now
	run.EndedAt = &now
	m.accrueActiveTime(run, now)
	m.mu.Unlock()

	if err := m.store.Write(run); err != nil {
		return *run, err
	}
	m.triggerSync(ctx, runID)
	m.publish("run-stopped", *run)
	return *run, nil
}

// PauseRun stops the compute process and service cluster but keeps the
// run's port allocation and working directory intact for a later resume
// (spec §4.E "pauseRun").
func (m *Manager) PauseRun(ctx context.Context, runID string, byScheduler bool) (runtypes.Run, error) {
	run, err := m.mustGet(runID)
	if err != nil {
		return runtypes.Run{}, err
	}

	m.mu.Lock()
	if !runtypes.CanTransition(run.Status, runtypes.StatusPaused) {
		m.mu.Unlock()
		return *run, apperrors.New(apperrors.KindConflict, "runmanager.PauseRun", runID, apperrors.ErrIllegalTransition)
	}
	m.mu.Unlock()

	for _, e := range m.sup.StopAndDelete(ctx, run.ComputeProcessName) {
		m.log.Warn("failed to stop compute process for pause", zap.String("run", runID), zap.Error(e))
	}
	m.svcdeps.StopServicesForRun(ctx, runID)

	now := time.Now().UTC()
	m.mu.Lock()
	run.Status = runtypes.StatusPaused
	run.PausedAt = &now
	run.PauseCount++
	run.PausedByScheduler = byScheduler
	m.accrueActiveTime(run, now)
	m.mu.Unlock()

	if err := m.store.Write(run); err != nil {
		return *run, err
	}
	m.publish("run-paused", *run)
	return *run, nil
}

// ResumeRun restarts a run's service cluster and compute process from a
// paused, stopped, or failed state (spec §4.E "resumeRun", extended per
// DESIGN.md's resumeRun-source-states decision).
func (m *Manager) ResumeRun(ctx context.Context, runID string) (runtypes.Run, error) {
	run, err := m.mustGet(runID)
	if err != nil {
		return runtypes.Run{}, err
	}

	m.mu.Lock()
	if !runtypes.CanTransition(run.Status, runtypes.StatusRunning) {
		m.mu.Unlock()
		return *run, apperrors.New(apperrors.KindConflict, "runmanager.ResumeRun", runID, apperrors.ErrIllegalTransition)
	}
	m.mu.Unlock()

	tmpl, ok := m.templates(run.TemplateName)
	if !ok {
		return *run, apperrors.New(apperrors.KindNotFound, "runmanager.ResumeRun", run.TemplateName,
			fmt.Errorf("%w: template", apperrors.ErrNotFound))
	}

	if err := m.bringUp(ctx, run, tmpl, m.defaultOpts); err != nil {
		return *run, err
	}

	now := time.Now().UTC()
	m.mu.Lock()
	run.Status = runtypes.StatusRunning
	run.ResumedAt = &now
	run.TimeSliceStartedAt = &now
	run.PausedByScheduler = false
	m.mu.Unlock()

	if err := m.store.Write(run); err != nil {
		return *run, err
	}
	m.publish("run-resumed", *run)
	return *run, nil
}

// accrueActiveTime folds the current time-slice into TotalActiveMillis
// (spec §4.E scheduler bookkeeping) and clears the slice start marker.
// Caller must hold m.mu.
func (m *Manager) accrueActiveTime(run *runtypes.Run, now time.Time) {
	if run.TimeSliceStartedAt == nil {
		return
	}
	run.TotalActiveMillis += now.Sub(*run.TimeSliceStartedAt).Milliseconds()
	run.TimeSliceStartedAt = nil
}

// Get returns a snapshot of one run, its live fields (Pid/CPU/RSS)
// overlaid from the supervisor when the compute process is tracked.
func (m *Manager) Get(ctx context.Context, runID string) (runtypes.Run, error) {
	run, err := m.mustGet(runID)
	if err != nil {
		return runtypes.Run{}, err
	}
	out := run.Clone()
	if rec, err := m.sup.Describe(ctx, run.ComputeProcessName); err == nil {
		out.Pid = rec.Pid
		out.CPU = rec.CPU
		out.RSS = rec.RSS
	}
	return out, nil
}

// List returns a snapshot of every tracked run.
func (m *Manager) List() []runtypes.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runtypes.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Clone())
	}
	return out
}

func (m *Manager) mustGet(runID string) (*runtypes.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "runmanager.mustGet", runID, apperrors.ErrNotFound)
	}
	return run, nil
}

// pumpLogs subscribes to the supervisor's log stream and, for each line
// belonging to a tracked run's compute process, extracts progress deltas
// and merges them in, persisting at most once per ProgressPersistInterval
// (spec §4.E "Progress extraction").
func (m *Manager) pumpLogs(sub *eventbus.Subscription[supervisor.LogEvent], stop <-chan struct{}) {
	lastPersist := make(map[string]time.Time)
	for {
		select {
		case <-stop:
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			runID, ok := supervisor.ExtractRunID(evt.ProcessName)
			if !ok {
				continue
			}
			delta, ok := progressparser.Parse(evt.Line)
			if !ok {
				continue
			}
			m.applyProgress(runID, delta, lastPersist)
		}
	}
}

func (m *Manager) applyProgress(runID string, delta runtypes.ProgressDelta, lastPersist map[string]time.Time) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok || run.Status != runtypes.StatusRunning {
		m.mu.Unlock()
		return
	}
	merged, changed := run.Progress.Merge(delta)
	if !changed {
		m.mu.Unlock()
		return
	}
	run.Progress = merged
	snapshot := run.Clone()
	due := time.Since(lastPersist[runID]) >= ProgressPersistInterval
	if due {
		lastPersist[runID] = time.Now()
	}
	m.mu.Unlock()

	m.publish("run-progress", snapshot)
	if due {
		if err := m.store.Write(&snapshot); err != nil {
			m.log.Warn("failed to persist progress", zap.String("run", runID), zap.Error(err))
		}
	}
}

// pumpLifecycle watches for unexpected compute-process exits and
// classifies them into a terminal run status (spec §4.E "Exit
// classification"): a zero exit code while still "running" means the
// evolutionary search finished on its own (terminated); anything else is
// a crash (failed). Exits following an explicit StopRun/PauseRun are
// already reflected by that call's own status transition and are not
// double-classified here, since by the time the process actually exits
// the run is no longer "running".
func (m *Manager) pumpLifecycle(sub *eventbus.Subscription[supervisor.LifecycleEvent], stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if evt.Kind != "exit" {
				continue
			}
			runID, ok := supervisor.ExtractRunID(evt.ProcessName)
			if !ok {
				continue
			}
			m.classifyExit(runID, evt.ProcessName, evt.ExitCode)
		}
	}
}

func (m *Manager) classifyExit(runID, processName string, exitCode *int) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok || run.Status != runtypes.StatusRunning || run.ComputeProcessName != processName {
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	code := -1
	if exitCode != nil {
		code = *exitCode
	}
	run.ExitCode = exitCode
	run.EndedAt = &now
	m.accrueActiveTime(run, now)

	if code == 0 {
		run.Status = runtypes.StatusTerminated
	} else {
		run.Status = runtypes.StatusFailed
		run.FailureReason = fmt.Sprintf("compute process exited with code %d", code)
	}
	snapshot := run.Clone()
	m.mu.Unlock()

	m.svcdeps.StopServicesForRun(context.Background(), runID)
	m.ports.Release(runID)

	if err := m.store.Write(&snapshot); err != nil {
		m.log.Warn("failed to persist exit classification", zap.String("run", runID), zap.Error(err))
	}
	m.triggerSync(context.Background(), runID)
	m.publish("run-ended", snapshot)
}

// Close stops the background log and lifecycle pumps.
func (m *Manager) Close() {
	if m.stopLogPump != nil {
		m.stopLogPump()
	}
}
