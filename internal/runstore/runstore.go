// Package runstore implements the durable Run Store (spec §4.F): each run
// is a JSON file under <root>/<runId>/run.json, written atomically via a
// temp-file-then-rename, with zombie reconciliation against the live
// supervisor on Load. Directly grounded in the teacher's
// pkg/jobregistry.Store (same directory layout, same tmp-write pattern,
// same PID-liveness zombie check), generalized from one job record to a
// run's full lifecycle state.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kromosynth/orchestrator/pkg/runtypes"
)

// LiveLister reports the liveness of a run's compute process, used by
// Load to reconcile a persisted "running" status against reality (spec
// P7: a crashed process must not be reported as running).
type LiveLister interface {
	IsAlive(computeProcessName string) bool
}

// Store persists Run records under root.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("run store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write persists run atomically: marshal, write to a temp file in the
// same directory, then rename over the final path.
func (s *Store) Write(run *runtypes.Run) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	runID := strings.TrimSpace(run.ID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.RunDir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}

	finalPath := s.RunPath(runID)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get reads and reconciles one run. When live is non-nil and the
// persisted status is "running" but the recorded compute process is no
// longer alive, the status is rewritten to "terminated" with a failure
// reason and the correction is persisted before returning.
func (s *Store) Get(runID string, live LiveLister) (*runtypes.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	data, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty for %s", runID)
	}

	var run runtypes.Run
	if err := json.Unmarshal([]byte(trimmed), &run); err != nil {
		return nil, fmt.Errorf("parse run.json for %s: %w", runID, err)
	}

	if live != nil && run.Status == runtypes.StatusRunning && run.ComputeProcessName != "" {
		if !live.IsAlive(run.ComputeProcessName) {
			run.Status = runtypes.StatusTerminated
			run.FailureReason = "compute process not found on reconciliation"
			_ = s.Write(&run)
		}
	}

	return &run, nil
}

// List returns every persisted run, newest-created first, reconciling
// each against live as Get does.
func (s *Store) List(live LiveLister) ([]runtypes.Run, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run store root: %w", err)
	}

	out := make([]runtypes.Run, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.Get(entry.Name(), live)
		if err != nil {
			continue
		}
		out = append(out, *run)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a run's persisted directory entirely.
func (s *Store) Delete(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	return os.RemoveAll(s.RunDir(runID))
}
