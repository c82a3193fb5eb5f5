package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/internal/supervisor/fakebackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDescribeStopDeleteRoundTrip(t *testing.T) {
	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)
	defer sup.Close()

	name := supervisor.ComputeProcessName("run-1")
	require.NoError(t, sup.Start(context.Background(), supervisor.Spec{Name: name}))

	rec, err := sup.Describe(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusOnline, rec.Status)

	errs := sup.StopAndDelete(context.Background(), name)
	assert.Empty(t, errs)

	_, err = sup.Describe(context.Background(), name)
	assert.Error(t, err, "a deleted process must no longer be describable")
}

func TestDescribeUnknownProcessErrors(t *testing.T) {
	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)
	defer sup.Close()

	_, err := sup.Describe(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestListForRunFiltersByRunSuffix(t *testing.T) {
	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)
	defer sup.Close()

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, supervisor.Spec{Name: supervisor.ComputeProcessName("run-a")}))
	require.NoError(t, sup.Start(ctx, supervisor.Spec{Name: supervisor.ServiceProcessName("index-0", "run-a")}))
	require.NoError(t, sup.Start(ctx, supervisor.Spec{Name: supervisor.ComputeProcessName("run-b")}))

	forA, err := sup.ListForRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	all, err := sup.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSubscribeLogsReceivesRepublishedEvents(t *testing.T) {
	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)
	defer sup.Close()

	sub := sup.SubscribeLogs()
	defer sub.Unsubscribe()

	backend.EmitLog("kromosynth-evo-run_run-1", "stdout", "generation 1")

	select {
	case evt := <-sub.C():
		assert.Equal(t, "generation 1", evt.Line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for republished log event")
	}
}

func TestSubscribeLifecycleReceivesExitEvents(t *testing.T) {
	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)
	defer sup.Close()

	name := supervisor.ComputeProcessName("run-1")
	require.NoError(t, sup.Start(context.Background(), supervisor.Spec{Name: name}))

	sub := sup.SubscribeLifecycle()
	defer sub.Unsubscribe()

	backend.SimulateExit(name, 2)

	// Start's own "start" event may still be in flight and arrive first;
	// wait for the exit event itself.
	timeout := time.After(time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Kind != "exit" {
				continue
			}
			assert.Equal(t, name, evt.ProcessName)
			require.NotNil(t, evt.ExitCode)
			assert.Equal(t, 2, *evt.ExitCode)
			return
		case <-timeout:
			t.Fatal("timed out waiting for lifecycle exit event")
		}
	}
}

func TestCloseStopsThePumpAndClosesTheBackend(t *testing.T) {
	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)

	require.NoError(t, sup.Close())
	// A second Start after Close should hit the backend's own closed guard.
	err := sup.Start(context.Background(), supervisor.Spec{Name: "x"})
	assert.Error(t, err)
}
