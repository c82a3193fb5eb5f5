package execbackend

import (
	"context"
	"testing"
	"time"

	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shSpec(name string, script string) supervisor.Spec {
	return supervisor.Spec{
		Name:       name,
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
	}
}

func TestStartRunsARealProcessAndCapturesItsExit(t *testing.T) {
	b := New()
	defer b.Close()

	_, _, lifecycle := b.Events()
	require.NoError(t, b.Start(context.Background(), shSpec("sh-ok", "exit 0")))

	select {
	case evt := <-lifecycle:
		assert.Equal(t, "start", evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for start event")
	}

	select {
	case evt := <-lifecycle:
		require.Equal(t, "exit", evt.Kind)
		require.NotNil(t, evt.ExitCode)
		assert.Equal(t, 0, *evt.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	rec, err := b.Describe(context.Background(), "sh-ok")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusStopped, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
}

func TestNonZeroExitCodeIsRecorded(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Start(context.Background(), shSpec("sh-fail", "exit 7")))

	require.Eventually(t, func() bool {
		rec, err := b.Describe(context.Background(), "sh-fail")
		return err == nil && rec.ExitCode != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := b.Describe(context.Background(), "sh-fail")
	require.NoError(t, err)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 7, *rec.ExitCode)
}

func TestStartingADuplicateNameFails(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Start(context.Background(), shSpec("dup", "sleep 1")))
	err := b.Start(context.Background(), shSpec("dup", "sleep 1"))
	assert.Error(t, err)

	require.NoError(t, b.Stop(context.Background(), "dup"))
}

func TestStopTerminatesALongRunningProcessWithoutWaitingTheFullKillGrace(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Start(context.Background(), shSpec("sh-long", "sleep 30")))

	start := time.Now()
	require.NoError(t, b.Stop(context.Background(), "sh-long"))
	assert.Less(t, time.Since(start), KillGrace, "SIGTERM should stop a well-behaved process long before the kill grace elapses")

	require.Eventually(t, func() bool {
		rec, err := b.Describe(context.Background(), "sh-long")
		return err == nil && rec.Status == supervisor.StatusStopped
	}, time.Second, 5*time.Millisecond)
}

func TestStdoutLinesArePublishedAsLogEvents(t *testing.T) {
	b := New()
	defer b.Close()

	logs, _, _ := b.Events()
	require.NoError(t, b.Start(context.Background(), shSpec("sh-logs", "echo hello-from-child")))

	for {
		select {
		case evt := <-logs:
			if evt.Line == "hello-from-child" {
				assert.Equal(t, "stdout", evt.Stream)
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the child's stdout line")
		}
	}
}

func TestDeleteRemovesFromTracking(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Start(context.Background(), shSpec("sh-del", "exit 0")))
	require.Eventually(t, func() bool {
		rec, err := b.Describe(context.Background(), "sh-del")
		return err == nil && rec.ExitCode != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Delete(context.Background(), "sh-del"))
	_, err := b.Describe(context.Background(), "sh-del")
	assert.Error(t, err)
}

func TestCloseAfterCloseIsANoop(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
