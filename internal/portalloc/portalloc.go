// Package portalloc implements the contention-free port-range allocator
// (spec §4.A). It hands out disjoint, half-open intervals on a fixed grid
// and reclaims them on release; allocation is idempotent per run id.
package portalloc

import (
	"fmt"
	"sync"

	"github.com/kromosynth/orchestrator/internal/apperrors"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
)

const (
	// DefaultBase is the first port considered for allocation.
	DefaultBase = 50000
	// DefaultSize is the default interval size, at least as large as the
	// maximum service span (spec §3).
	DefaultSize = 1000
	// DefaultCeiling is the exclusive upper bound above which allocation
	// fails with ExhaustedError (spec §4.A).
	DefaultCeiling = 65000
)

// KindOffsets maps a service kind to its deterministic sub-offset within an
// allocation, spaced 10 apart (spec §4.A). The Resolver treats these as
// defaults, overridable via the template's own ports map.
var KindOffsets = map[string]int{
	"variation":         51,
	"render":            61,
	"featureClap":       71,
	"genericFeatures":   81,
	"refFeatures":       91,
	"qdhfProjection":    101,
	"umapProjection":    111,
	"qualityMusicality": 121,
	"pyribs":            131,
}

// Config configures an Allocator's grid.
type Config struct {
	Base    int
	Size    int
	Ceiling int
}

// DefaultConfig returns the spec's default grid.
func DefaultConfig() Config {
	return Config{Base: DefaultBase, Size: DefaultSize, Ceiling: DefaultCeiling}
}

// Allocator hands out disjoint port intervals to runs. Safe for
// concurrent use (spec §5: "internal mutex", "none" suspension points —
// allocation is pure and never blocks).
type Allocator struct {
	mu     sync.Mutex
	cfg    Config
	byRun  map[string]runtypes.PortAllocation
	live   map[int]string // interval start -> runId, for overlap checks
}

// New returns an Allocator using cfg. Passing the zero Config selects
// DefaultConfig.
func New(cfg Config) *Allocator {
	if cfg.Size <= 0 {
		cfg = DefaultConfig()
	}
	return &Allocator{
		cfg:   cfg,
		byRun: make(map[string]runtypes.PortAllocation),
		live:  make(map[int]string),
	}
}

// Allocate returns runId's interval, creating one on the lowest-numbered
// free slot of the grid if runId has none yet. Re-allocating an already
// allocated run id returns the cached interval (idempotent, spec §4.A).
func (a *Allocator) Allocate(runID string) (runtypes.PortAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byRun[runID]; ok {
		return existing, nil
	}

	for start := a.cfg.Base; start+a.cfg.Size <= a.cfg.Ceiling; start += a.cfg.Size {
		if _, taken := a.live[start]; taken {
			continue
		}
		alloc := runtypes.PortAllocation{RunID: runID, Start: start, Size: a.cfg.Size}
		a.live[start] = runID
		a.byRun[runID] = alloc
		return alloc, nil
	}

	return runtypes.PortAllocation{}, apperrors.New(apperrors.KindAllocation, "portalloc.Allocate", runID,
		fmt.Errorf("%w: no free interval below %d", apperrors.ErrExhausted, a.cfg.Ceiling))
}

// Release frees runId's interval, if any. Releasing an unallocated run id
// is a no-op.
func (a *Allocator) Release(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byRun[runID]
	if !ok {
		return
	}
	delete(a.live, alloc.Start)
	delete(a.byRun, runID)
}

// Lookup returns runId's current allocation, if any.
func (a *Allocator) Lookup(runID string) (runtypes.PortAllocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byRun[runID]
	return alloc, ok
}

// ServicePort returns the concrete port for the Nth (0-indexed) replica of
// kind within alloc, using the default sub-offset table unless overridden
// is non-zero.
func ServicePort(alloc runtypes.PortAllocation, kind string, replicaIndex int, overrideBase int) int {
	base := overrideBase
	if base == 0 {
		base = alloc.Start + KindOffsets[kind]
	}
	return base + replicaIndex
}

// Restore re-registers a previously-persisted allocation without
// searching the grid, for use by Run Store reconciliation on startup when
// a run is found to still be alive. Fails if the interval is already
// claimed by a different run.
func (a *Allocator) Restore(alloc runtypes.PortAllocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, taken := a.live[alloc.Start]; taken && owner != alloc.RunID {
		return apperrors.New(apperrors.KindAllocation, "portalloc.Restore", alloc.RunID,
			fmt.Errorf("interval starting at %d already owned by run %s", alloc.Start, owner))
	}
	a.live[alloc.Start] = alloc.RunID
	a.byRun[alloc.RunID] = alloc
	return nil
}

// Live returns a snapshot of all current allocations, for reconciliation
// and diagnostics.
func (a *Allocator) Live() []runtypes.PortAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]runtypes.PortAllocation, 0, len(a.byRun))
	for _, alloc := range a.byRun {
		out = append(out, alloc)
	}
	return out
}
