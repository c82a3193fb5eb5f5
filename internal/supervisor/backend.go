package supervisor

import "context"

// Backend is the opaque external process manager the Supervisor drives.
// Implementations: execbackend (real processes) and fakebackend
// (deterministic in-memory double for tests).
type Backend interface {
	Start(ctx context.Context, spec Spec) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]ProcessRecord, error)
	Describe(ctx context.Context, name string) (ProcessRecord, error)

	// Events returns channels the Supervisor drains and republishes on its
	// own bounded buses; backends close all three when Close is called.
	Events() (logs <-chan LogEvent, messages <-chan MessageEvent, lifecycle <-chan LifecycleEvent)

	Close() error
}
