package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/kromosynth/orchestrator/internal/apperrors"
	"github.com/kromosynth/orchestrator/internal/eventbus"
	"go.uber.org/zap"
)

// Supervisor is the uniform front-end over a Backend: start/stop/delete
// are serialized behind an internal lock (spec §5), while the event
// stream is republished on bounded, non-blocking fan-out buses so slow
// consumers never stall the backend's producer goroutine.
type Supervisor struct {
	backend Backend
	log     *zap.Logger

	mu sync.Mutex // serializes Start/Stop/Delete, per spec §5

	logBus       *eventbus.Bus[LogEvent]
	messageBus   *eventbus.Bus[MessageEvent]
	lifecycleBus *eventbus.Bus[LifecycleEvent]

	pumpDone chan struct{}
}

// New wraps backend with event republishing. Call Close to stop the pump
// goroutine and release the backend.
func New(backend Backend, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		backend:      backend,
		log:          log,
		logBus:       eventbus.New[LogEvent](256),
		messageBus:   eventbus.New[MessageEvent](256),
		lifecycleBus: eventbus.New[LifecycleEvent](64),
		pumpDone:     make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump drains the backend's event channels and republishes every event on
// the corresponding bounded bus. This is the single producer referred to
// in spec §4.B ("single producer, many consumers"); it never blocks on a
// consumer because Bus.Publish itself never blocks.
func (s *Supervisor) pump() {
	defer close(s.pumpDone)
	logs, messages, lifecycle := s.backend.Events()
	for logs != nil || messages != nil || lifecycle != nil {
		select {
		case evt, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			s.logBus.Publish(evt)
		case evt, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			s.messageBus.Publish(evt)
		case evt, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			s.lifecycleBus.Publish(evt)
		}
	}
}

// Start spawns the process(es) described by spec.
func (s *Supervisor) Start(ctx context.Context, spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Start(ctx, spec); err != nil {
		return apperrors.New(apperrors.KindSupervisor, "supervisor.Start", spec.Name, err)
	}
	return nil
}

// Stop gracefully stops name (kill-grace handled by the backend).
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Stop(ctx, name); err != nil {
		return apperrors.New(apperrors.KindSupervisor, "supervisor.Stop", name, err)
	}
	return nil
}

// Delete removes name from tracking.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, name); err != nil {
		return apperrors.New(apperrors.KindSupervisor, "supervisor.Delete", name, err)
	}
	return nil
}

// StopAndDelete is a convenience for the common "best effort" tear-down
// pattern used throughout §4.D/§4.E: stop, then delete, warning (not
// failing) on either error.
func (s *Supervisor) StopAndDelete(ctx context.Context, name string) []error {
	var errs []error
	if err := s.Stop(ctx, name); err != nil {
		errs = append(errs, err)
	}
	if err := s.Delete(ctx, name); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// List returns a snapshot of all tracked processes.
func (s *Supervisor) List(ctx context.Context) ([]ProcessRecord, error) {
	return s.backend.List(ctx)
}

// Describe returns a snapshot of one process.
func (s *Supervisor) Describe(ctx context.Context, name string) (ProcessRecord, error) {
	rec, err := s.backend.Describe(ctx, name)
	if err != nil {
		return ProcessRecord{}, apperrors.New(apperrors.KindSupervisor, "supervisor.Describe", name, err)
	}
	return rec, nil
}

// ListForRun returns the subset of List() whose process names carry
// runID's suffix (spec §4.D's readiness loop: "list ... filtered by the
// run-id suffix").
func (s *Supervisor) ListForRun(ctx context.Context, runID string) ([]ProcessRecord, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := all[:0:0]
	for _, rec := range all {
		if HasRunSuffix(rec.Name, runID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SubscribeLogs returns a subscription to the log event bus.
func (s *Supervisor) SubscribeLogs() *eventbus.Subscription[LogEvent] {
	return s.logBus.Subscribe()
}

// SubscribeMessages returns a subscription to the structured-message bus.
func (s *Supervisor) SubscribeMessages() *eventbus.Subscription[MessageEvent] {
	return s.messageBus.Subscribe()
}

// SubscribeLifecycle returns a subscription to the lifecycle-event bus.
func (s *Supervisor) SubscribeLifecycle() *eventbus.Subscription[LifecycleEvent] {
	return s.lifecycleBus.Subscribe()
}

// Close stops the pump goroutine and closes the backend.
func (s *Supervisor) Close() error {
	err := s.backend.Close()
	<-s.pumpDone
	return err
}
