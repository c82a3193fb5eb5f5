package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kromosynth/orchestrator/internal/portalloc"
	"github.com/kromosynth/orchestrator/internal/runmanager"
	"github.com/kromosynth/orchestrator/internal/runstore"
	"github.com/kromosynth/orchestrator/internal/scheduler"
	"github.com/kromosynth/orchestrator/internal/servicedeps"
	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/internal/supervisor/fakebackend"
	"github.com/kromosynth/orchestrator/internal/syncmanager"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"github.com/kromosynth/orchestrator/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer builds a Server backed by real components (fakebackend
// supervisor, temp-dir run store, one registered template with no
// services so StartRun succeeds deterministically without a process
// supervisor actually launching anything real).
func testServer(t *testing.T, adminToken string) *Server {
	t.Helper()
	dir := t.TempDir()

	registry := template.NewRegistry()
	registry.LoadDir(t.TempDir()) // empty dir, no templates yet
	writeTemplate(t, registry)

	backend := fakebackend.New(true)
	sup := supervisor.New(backend, nil)
	t.Cleanup(func() { sup.Close() })

	ports := portalloc.New(portalloc.DefaultConfig())
	store := runstore.NewStore(filepath.Join(dir, "runs"))
	svcdeps := servicedeps.New(sup, servicedeps.DefaultConfig(), nil)

	defaultOpts := runtypes.DefaultRunOptions()
	defaultOpts.WorkingRoot = filepath.Join(dir, "working")

	syncMgr := syncmanager.New(nil)
	runs := runmanager.New(store, ports, sup, svcdeps, registry.Get, syncMgr.Trigger, defaultOpts, nil)
	t.Cleanup(runs.Close)

	sched := scheduler.New(scheduler.Config{MaxConcurrent: 1, TimeSliceMinutes: 30}, runs, registry.Exists, nil)

	return New(runs, sched, syncMgr, adminToken, nil)
}

// writeTemplate registers a template directly (bypassing LoadDir/JSON)
// isn't possible since Registry has no exported setter, so we drive it
// through a real JSON file instead.
func writeTemplate(t *testing.T, registry *template.Registry) {
	t.Helper()
	dir := t.TempDir()
	const doc = `{
  "computeRunConfig": {"numberOfEvals": 10, "batchSize": 5},
  "hyperparameters": {},
  "variants": {}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evo-default.json"), []byte(doc), 0644))
	require.Empty(t, registry.LoadDir(dir))
	require.True(t, registry.Exists("evo-default"))
}

func TestHealthAndVersionAreUnauthenticated(t *testing.T) {
	s := testServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListRunsIsOpenWithoutAdminToken(t *testing.T) {
	s := testServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/runs/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var runs []runtypes.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Empty(t, runs)
}

func TestStartRunRejectedWithoutAdminToken(t *testing.T) {
	s := testServer(t, "secret")

	body := []byte(`{"templateName":"evo-default"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/runs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartRunSucceedsWithAdminToken(t *testing.T) {
	s := testServer(t, "secret")

	body := []byte(`{"templateName":"evo-default"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/runs/", bytes.NewReader(body))
	req.Header.Set("X-Admin-Token", "secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run runtypes.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runtypes.StatusRunning, run.Status)
	assert.NotEmpty(t, run.ID)

	// And it now shows up in the unauthenticated list.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var runs []runtypes.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestSchedulerStateReadableWithoutAdminTokenButMutationRequiresOne(t *testing.T) {
	s := testServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var state runtypes.SchedulerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.Enabled)

	req = httptest.NewRequest(http.MethodPost, "/api/scheduler/disable", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/scheduler/disable", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.Enabled)
}

func TestSyncStateNotFoundForUnknownRun(t *testing.T) {
	s := testServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sync/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminGateIsANoopWhenTokenIsUnconfigured(t *testing.T) {
	s := testServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/scheduler/disable", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
