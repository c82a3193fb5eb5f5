// Package idgen generates run identifiers.
//
// Run ids must be sortable, unique, and time-ordered (spec §3). A v4 UUID
// (as the teacher reaches for via google/uuid elsewhere in this module)
// does not sort by creation time, so run ids use a ULID instead: 48 bits of
// millisecond timestamp followed by 80 bits of randomness, lexically
// sortable and URL-safe.
package idgen

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Generator produces monotonic ULID-based run ids. The zero value is
// ready to use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewGenerator returns a Generator seeded from a monotonic entropy source
// so ids generated within the same millisecond still sort correctly.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(cryptoReader{}, 0)}
}

// NewRunID returns a fresh, lowercase, separator-free run id.
//
// Separator-free matters: spec §9's second Open Question requires that the
// run id never contains the name-suffix separator ('_'), so that
// extracting it from a process name via a strict suffix split is
// unambiguous even if a service's logical kind also contains underscores.
func (g *Generator) NewRunID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entropy == nil {
		g.entropy = ulid.Monotonic(cryptoReader{}, 0)
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return strings.ToLower(id.String())
}

// Default is a package-level generator for callers that don't need to
// inject one explicitly. Every Generator stamps ids with time.Now().
var Default = NewGenerator()

// NewRunID generates a run id using the default generator.
func NewRunID() string { return Default.NewRunID() }
