// Package servicedeps is the Service-Dependency Manager (spec §4.D): it
// stands up a run's auxiliary service cluster, waits for every replica to
// report online, returns the resolved endpoints as service URLs for the
// caller to inject into the compute-run config, and unwinds everything it
// started on any failure. Grounded in
// the teacher's pkg/preflight readiness-polling loop, generalized from
// "check before starting the main job" to "start N services, then poll
// until they're all ready".
package servicedeps

import (
	"context"
	"fmt"
	"time"

	"github.com/kromosynth/orchestrator/internal/apperrors"
	"github.com/kromosynth/orchestrator/internal/servicegraph"
	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"go.uber.org/zap"
)

// Config governs the readiness poll.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultConfig matches the teacher's preflight defaults, scaled for
// process-start rather than file-presence checks.
func DefaultConfig() Config {
	return Config{PollInterval: 500 * time.Millisecond, Timeout: 2 * time.Minute}
}

// Manager starts and tears down a run's auxiliary service cluster.
type Manager struct {
	sup *supervisor.Supervisor
	cfg Config
	log *zap.Logger
}

// New returns a Manager.
func New(sup *supervisor.Supervisor, cfg Config, log *zap.Logger) *Manager {
	if cfg.PollInterval <= 0 || cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{sup: sup, cfg: cfg, log: log}
}

// StartServicesForRun takes already-resolved services, starts every
// replica, waits for the whole set to report online, and returns the
// populated ServiceInfo with service URLs ready for config injection. On
// any failure — a start error, or the readiness deadline expiring — every
// service it started this call is stopped and deleted before returning
// the error (spec §4.D, "unwind on partial failure").
func (m *Manager) StartServicesForRun(ctx context.Context, runID string, resolved []servicegraph.ResolvedService, host string) (runtypes.ServiceInfo, error) {
	started := make([]string, 0, len(resolved))

	unwind := func() {
		for _, name := range started {
			for _, err := range m.sup.StopAndDelete(context.Background(), name) {
				m.log.Warn("unwind: failed to tear down service", zap.String("process", name), zap.Error(err))
			}
		}
	}

	for _, svc := range resolved {
		if err := m.sup.Start(ctx, svc.Spec); err != nil {
			unwind()
			return runtypes.ServiceInfo{}, apperrors.New(apperrors.KindSupervisor, "servicedeps.StartServicesForRun", svc.ProcessName, err)
		}
		started = append(started, svc.ProcessName)
	}

	if err := m.awaitReady(ctx, runID, started); err != nil {
		unwind()
		return runtypes.ServiceInfo{}, err
	}

	kindByName := make(map[string]string, len(resolved))
	for _, svc := range resolved {
		kindByName[svc.ProcessName] = svc.Kind
	}

	entries, err := m.describeAll(ctx, started)
	if err != nil {
		unwind()
		return runtypes.ServiceInfo{}, err
	}
	for i := range entries {
		entries[i].Kind = kindByName[entries[i].Name]
	}

	return runtypes.ServiceInfo{
		ServiceURLs: servicegraph.BuildServiceURLs(host, resolved),
		Services:    entries,
	}, nil
}

// awaitReady polls the supervisor until every name in names reports
// online, or returns a READINESS_TIMEOUT error once cfg.Timeout elapses.
func (m *Manager) awaitReady(ctx context.Context, runID string, names []string) error {
	deadline := time.Now().Add(m.cfg.Timeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		all, err := m.describeAll(ctx, names)
		if err != nil {
			return err
		}
		if allOnline(all) {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.New(apperrors.KindReadinessTimeout, "servicedeps.awaitReady", runID,
				fmt.Errorf("%w: services not ready after %s", apperrors.ErrTimeout, m.cfg.Timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func allOnline(entries []runtypes.ServiceEntry) bool {
	for _, e := range entries {
		if e.Status != runtypes.ServiceOnline {
			return false
		}
	}
	return true
}

func (m *Manager) describeAll(ctx context.Context, names []string) ([]runtypes.ServiceEntry, error) {
	out := make([]runtypes.ServiceEntry, 0, len(names))
	for _, name := range names {
		rec, err := m.sup.Describe(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, runtypes.ServiceEntry{
			Name:   rec.Name,
			Status: runtypes.ServiceStatus(rec.Status),
			Pid:    rec.Pid,
			CPU:    rec.CPU,
			RSS:    rec.RSS,
		})
	}
	return out, nil
}

// StopServicesForRun tears down every currently-tracked process whose
// name carries runID's suffix (spec §4.D, "teardown is suffix-driven, not
// list-driven" — it does not require the caller to remember what it
// started).
func (m *Manager) StopServicesForRun(ctx context.Context, runID string) []error {
	recs, err := m.sup.ListForRun(ctx, runID)
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, rec := range recs {
		errs = append(errs, m.sup.StopAndDelete(ctx, rec.Name)...)
	}
	return errs
}
