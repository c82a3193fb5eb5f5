package syncmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTriggerUploadsMissingAnalysisFiles(t *testing.T) {
	var uploaded []string
	remoteListed := map[string]bool{"analysisResults": true}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			subdir := r.URL.Query().Get("subdir")
			if remoteListed[subdir] {
				_ = json.NewEncoder(w).Encode([]string{"existing.json"})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(10<<20))
			files := r.MultipartForm.File["file"]
			require.Len(t, files, 1)
			uploaded = append(uploaded, files[0].Filename)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "analysisResults"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "analysisResults", "existing.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "analysisResults", "new.json"), []byte("{}"), 0644))

	mgr := New(zaptest.NewLogger(t))
	mgr.Register(context.Background(), "run-1", Config{
		Enabled:            true,
		AnalysisServiceURL: server.URL,
		APIKey:             "secret",
		WorkingDir:         workDir,
	})
	defer mgr.Unregister("run-1")

	mgr.Trigger(context.Background(), "run-1")

	assert.Equal(t, []string{"new.json"}, uploaded)

	state, ok := mgr.State("run-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), state.FilesUploaded)
	assert.Equal(t, int64(1), state.FilesSkipped)
}

func TestTriggerIsANoopForUnregisteredRun(t *testing.T) {
	mgr := New(zaptest.NewLogger(t))
	mgr.Trigger(context.Background(), "does-not-exist")
	_, ok := mgr.State("does-not-exist")
	assert.False(t, ok)
}

func TestConsecutiveErrorsDisablePeriodicSyncAfterRetryLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "analysisResults"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "analysisResults", "f.json"), []byte("{}"), 0644))

	mgr := New(zaptest.NewLogger(t))
	mgr.Register(context.Background(), "run-1", Config{
		Enabled:            true,
		AnalysisServiceURL: server.URL,
		APIKey:             "secret",
		WorkingDir:         workDir,
		RetryMaxAttempts:   2,
	})
	defer mgr.Unregister("run-1")

	mgr.Trigger(context.Background(), "run-1")
	mgr.Trigger(context.Background(), "run-1")

	state, ok := mgr.State("run-1")
	require.True(t, ok)
	assert.True(t, state.PeriodicDisabled)
	assert.GreaterOrEqual(t, state.ConsecutiveErrors, 2)
}

func TestUnregisterDropsState(t *testing.T) {
	mgr := New(zaptest.NewLogger(t))
	mgr.Register(context.Background(), "run-1", Config{})
	_, ok := mgr.State("run-1")
	require.True(t, ok)

	mgr.Unregister("run-1")
	_, ok = mgr.State("run-1")
	assert.False(t, ok)
}

func TestRegisterArmsPeriodicTimerOnlyWhenEnabled(t *testing.T) {
	mgr := New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Register(ctx, "run-disabled", Config{Enabled: false})
	mgr.Register(ctx, "run-enabled", Config{Enabled: true, IntervalMs: 1000})
	defer mgr.Unregister("run-disabled")
	defer mgr.Unregister("run-enabled")

	_, ok := mgr.State("run-disabled")
	assert.True(t, ok, "a disabled run is still tracked, just without a timer")
	_, ok = mgr.State("run-enabled")
	assert.True(t, ok)
}
