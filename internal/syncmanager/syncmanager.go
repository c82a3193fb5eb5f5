// Package syncmanager implements the Sync Manager (spec §4.H): for each
// registered run it periodically (and on lifecycle events) replicates the
// run's database files to a remote host via an external incremental-sync
// binary, then uploads new analysis files over HTTP multipart, all
// serialized per-run via a boolean guard so cycles never overlap while
// distinct runs sync fully in parallel. Grounded in the teacher's
// pkg/transfer.Transfer (bounded-concurrency object-by-object copy with a
// running Summary) fused with its pkg/jobregistry.Executor's
// external-process invocation, generalized from "copy objects between
// providers" to "shell out to a sync binary per database file, then
// multipart-upload whatever files a remote listing doesn't have yet".
package syncmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UploadRateLimit caps analysis-file upload starts across all runs so a
// burst of simultaneous cycles doesn't saturate the remote analysis
// service; bursts up to UploadRateBurst are allowed through immediately.
const (
	UploadRateLimit = 5 // per second
	UploadRateBurst = 10
)

// DatabaseFiles is the fixed set of database files considered for
// incremental sync under a run's working directory (spec §4.H).
var DatabaseFiles = []string{"genomes.sqlite", "features.sqlite"}

// AnalysisSubdirs is the fixed set of analysis-output subdirectories
// eligible for upload (spec §4.H).
var AnalysisSubdirs = []string{"analysisResults", "generationFeatures"}

// DatabaseSyncTimeout bounds one external binary invocation per file
// (spec §4.H, "Per-file timeout 5 min").
const DatabaseSyncTimeout = 5 * time.Minute

// DefaultInterval is the periodic sync trigger's default period.
const DefaultInterval = 5 * time.Minute

// FirstTickDelay lets the compute process create files before the first
// sync attempt (spec §4.H, "First tick delayed 30s after registration").
const FirstTickDelay = 30 * time.Second

// Config configures one run's registration.
type Config struct {
	Enabled            bool
	IntervalMs         int
	SyncBinary         string
	RemoteHost         string
	RemoteBasePath     string
	AnalysisServiceURL string
	APIKey             string
	RetryMaxAttempts   int
	WorkingDir         string
}

type runEntry struct {
	cfg       Config
	state     runtypes.SyncState
	mu        sync.Mutex // per-run cycle guard: exactly one cycle in flight
	cancelPeriodic context.CancelFunc
}

// Manager coordinates sync cycles for every registered run.
type Manager struct {
	mu      sync.Mutex
	runs    map[string]*runEntry
	log     *zap.Logger
	httpc   *http.Client
	uploads *rate.Limiter
}

// New returns a Manager.
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		runs:    make(map[string]*runEntry),
		log:     log,
		httpc:   &http.Client{Timeout: 2 * time.Minute},
		uploads: rate.NewLimiter(rate.Limit(UploadRateLimit), UploadRateBurst),
	}
}

// Register starts tracking runID and, if cfg.Enabled, arms its periodic
// timer (spec §4.H, "Runs register on start").
func (m *Manager) Register(ctx context.Context, runID string, cfg Config) {
	m.mu.Lock()
	entry := &runEntry{cfg: cfg, state: runtypes.SyncState{RunID: runID}}
	m.runs[runID] = entry
	m.mu.Unlock()

	if !cfg.Enabled || cfg.IntervalMs <= 0 {
		return
	}
	periodicCtx, cancel := context.WithCancel(ctx)
	entry.cancelPeriodic = cancel
	go m.periodicLoop(periodicCtx, runID, time.Duration(cfg.IntervalMs)*time.Millisecond)
}

// Unregister stops runID's periodic timer and drops its state (spec
// §4.H, "unregister on terminal transitions").
func (m *Manager) Unregister(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.runs[runID]; ok {
		if entry.cancelPeriodic != nil {
			entry.cancelPeriodic()
		}
		delete(m.runs, runID)
	}
}

func (m *Manager) periodicLoop(ctx context.Context, runID string, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(FirstTickDelay):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Trigger(ctx, runID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Trigger runs one sync cycle for runID if one isn't already in flight
// (spec §4.H, "Cycles for a single run never overlap"). It is safe to
// call concurrently and from multiple trigger sources (periodic timer,
// lifecycle events, manual API call).
func (m *Manager) Trigger(ctx context.Context, runID string) {
	m.mu.Lock()
	entry, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !entry.mu.TryLock() {
		return
	}
	defer entry.mu.Unlock()

	if err := m.runCycle(ctx, runID, entry); err != nil {
		m.log.Warn("sync cycle failed", zap.String("run", runID), zap.Error(err))
		entry.state.ConsecutiveErrors++
		if entry.cfg.RetryMaxAttempts > 0 && entry.state.ConsecutiveErrors >= entry.cfg.RetryMaxAttempts {
			entry.state.PeriodicDisabled = true
			if entry.cancelPeriodic != nil {
				entry.cancelPeriodic()
			}
		}
	} else {
		entry.state.ConsecutiveErrors = 0
	}
}

// runCycle performs database sync followed by analysis-file sync, per the
// spec's ordering guarantee within one run.
func (m *Manager) runCycle(ctx context.Context, runID string, entry *runEntry) error {
	var firstErr error

	if entry.cfg.RemoteHost != "" {
		if err := m.syncDatabases(ctx, runID, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if entry.cfg.AnalysisServiceURL != "" && entry.cfg.APIKey != "" {
		if err := m.syncAnalysisFiles(ctx, runID, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// syncDatabases invokes the external incremental-sync binary once per
// present database file, continuing past per-file failures (spec §4.H
// step 1).
func (m *Manager) syncDatabases(ctx context.Context, runID string, entry *runEntry) error {
	if entry.cfg.SyncBinary == "" {
		return fmt.Errorf("no sync binary configured")
	}
	var lastErr error
	for _, filename := range DatabaseFiles {
		localPath := filepath.Join(entry.cfg.WorkingDir, filename)
		if _, err := os.Stat(localPath); err != nil {
			continue
		}
		remote := fmt.Sprintf("%s:%s/%s/%s", entry.cfg.RemoteHost, entry.cfg.RemoteBasePath, runID, filename)

		fileCtx, cancel := context.WithTimeout(ctx, DatabaseSyncTimeout)
		cmd := exec.CommandContext(fileCtx, entry.cfg.SyncBinary, localPath, remote)
		err := cmd.Run()
		cancel()

		if err != nil {
			lastErr = err
			entry.state.Errors.Push(runtypes.SyncErrorRecord{
				At: time.Now(), Stage: "database", Target: filename, Message: err.Error(),
			})
			continue
		}
		entry.state.DbSyncCount++
	}
	now := time.Now()
	entry.state.LastDbSync = &now
	return lastErr
}

// syncAnalysisFiles lists each configured subdirectory on the remote,
// then uploads any local file the remote doesn't already have (spec §4.H
// step 2).
func (m *Manager) syncAnalysisFiles(ctx context.Context, runID string, entry *runEntry) error {
	var lastErr error
	for _, subdir := range AnalysisSubdirs {
		localDir := filepath.Join(entry.cfg.WorkingDir, subdir)
		entries, err := os.ReadDir(localDir)
		if err != nil {
			continue
		}

		remoteSet, err := m.listRemoteAnalysisFiles(ctx, entry, runID, subdir)
		if err != nil {
			lastErr = err
			entry.state.Errors.Push(runtypes.SyncErrorRecord{
				At: time.Now(), Stage: "analysis", Target: subdir, Message: err.Error(),
			})
			continue
		}

		for _, e := range entries {
			if e.IsDir() || remoteSet[e.Name()] {
				entry.state.FilesSkipped++
				continue
			}
			if err := m.uploadAnalysisFile(ctx, entry, runID, subdir, filepath.Join(localDir, e.Name())); err != nil {
				lastErr = err
				entry.state.Errors.Push(runtypes.SyncErrorRecord{
					At: time.Now(), Stage: "analysis", Target: e.Name(), Message: err.Error(),
				})
				continue
			}
			entry.state.FilesUploaded++
		}
	}
	now := time.Now()
	entry.state.LastFileSync = &now
	entry.state.FileSyncCount++
	return lastErr
}

func (m *Manager) listRemoteAnalysisFiles(ctx context.Context, entry *runEntry, runID, subdir string) (map[string]bool, error) {
	url := fmt.Sprintf("%s/api/sync/analysis/%s/list?subdir=%s", entry.cfg.AnalysisServiceURL, runID, subdir)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", entry.cfg.APIKey)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return map[string]bool{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote list %s: unexpected status %d", url, resp.StatusCode)
	}

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("decode remote list: %w", err)
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

func (m *Manager) uploadAnalysisFile(ctx context.Context, entry *runEntry, runID, subdir, path string) error {
	if err := m.uploads.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("subdir", subdir); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/sync/analysis/%s/upload", entry.cfg.AnalysisServiceURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Api-Key", entry.cfg.APIKey)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// State returns a snapshot of runID's sync state.
func (m *Manager) State(runID string) (runtypes.SyncState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return runtypes.SyncState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, true
}
