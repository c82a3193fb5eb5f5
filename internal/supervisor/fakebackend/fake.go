// Package fakebackend is a deterministic in-memory double for
// supervisor.Backend, used by every component's tests so the full
// orchestrator can be exercised without spawning real OS processes
// (spec §9, "a deterministic in-memory fake for tests").
package fakebackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kromosynth/orchestrator/internal/supervisor"
)

type process struct {
	spec      supervisor.Spec
	status    supervisor.ProcessStatus
	pid       int
	startedAt time.Time
	exitCode  *int
}

// Backend is the fake supervisor.Backend implementation.
type Backend struct {
	mu       sync.Mutex
	procs    map[string]*process
	nextPid  int
	autoOnline bool // if true, Start immediately marks the process online

	logs       chan supervisor.LogEvent
	messages   chan supervisor.MessageEvent
	lifecycle  chan supervisor.LifecycleEvent
	closed     bool
}

// New returns a fresh Backend. When autoOnline is true (the common case in
// tests), a started process transitions straight to StatusOnline; set it
// false to drive transitions manually via SetStatus, for readiness-loop
// tests.
func New(autoOnline bool) *Backend {
	return &Backend{
		procs:      make(map[string]*process),
		nextPid:    1000,
		autoOnline: autoOnline,
		logs:       make(chan supervisor.LogEvent, 1024),
		messages:   make(chan supervisor.MessageEvent, 1024),
		lifecycle:  make(chan supervisor.LifecycleEvent, 1024),
	}
}

func (b *Backend) Start(ctx context.Context, spec supervisor.Spec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backend closed")
	}
	b.nextPid++
	status := supervisor.StatusLaunching
	if b.autoOnline {
		status = supervisor.StatusOnline
	}
	b.procs[spec.Name] = &process{spec: spec, status: status, pid: b.nextPid, startedAt: time.Now()}
	b.emitLifecycle(spec.Name, "start", nil)
	return nil
}

func (b *Backend) Stop(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[name]
	if !ok {
		return fmt.Errorf("process %q not found", name)
	}
	p.status = supervisor.StatusStopped
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.procs, name)
	return nil
}

func (b *Backend) List(ctx context.Context) ([]supervisor.ProcessRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]supervisor.ProcessRecord, 0, len(b.procs))
	for _, p := range b.procs {
		out = append(out, toRecord(p))
	}
	return out, nil
}

func (b *Backend) Describe(ctx context.Context, name string) (supervisor.ProcessRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[name]
	if !ok {
		return supervisor.ProcessRecord{}, fmt.Errorf("process %q not found", name)
	}
	return toRecord(p), nil
}

func toRecord(p *process) supervisor.ProcessRecord {
	return supervisor.ProcessRecord{
		Name:      p.spec.Name,
		Status:    p.status,
		Pid:       p.pid,
		StartedAt: p.startedAt,
		ExitCode:  p.exitCode,
	}
}

func (b *Backend) Events() (<-chan supervisor.LogEvent, <-chan supervisor.MessageEvent, <-chan supervisor.LifecycleEvent) {
	return b.logs, b.messages, b.lifecycle
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.logs)
	close(b.messages)
	close(b.lifecycle)
	return nil
}

func (b *Backend) emitLifecycle(name, kind string, exitCode *int) {
	select {
	case b.lifecycle <- supervisor.LifecycleEvent{ProcessName: name, Kind: kind, ExitCode: exitCode, At: time.Now()}:
	default:
	}
}

// --- Test-control surface: these let component tests drive the fake's
// state machine deterministically. ---

// SetStatus forces name's status, for readiness-loop tests that need to
// observe "launching" before "online".
func (b *Backend) SetStatus(name string, status supervisor.ProcessStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.procs[name]; ok {
		p.status = status
	}
}

// SimulateExit marks name as exited with code and emits an "exit"
// lifecycle event, the trigger Run Manager tests use to exercise exit
// classification (spec §4.E).
func (b *Backend) SimulateExit(name string, code int) {
	b.mu.Lock()
	c := code
	if p, ok := b.procs[name]; ok {
		p.status = supervisor.StatusStopped
		p.exitCode = &c
	}
	b.mu.Unlock()
	b.emitLifecycle(name, "exit", &c)
}

// EmitLog publishes a synthetic log line, for progress-parser tests.
func (b *Backend) EmitLog(name, stream, line string) {
	select {
	case b.logs <- supervisor.LogEvent{ProcessName: name, Stream: stream, Line: line, At: time.Now()}:
	default:
	}
}

// Exists reports whether name is currently tracked (regardless of status).
func (b *Backend) Exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.procs[name]
	return ok
}
