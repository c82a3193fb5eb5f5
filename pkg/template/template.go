// Package template holds the read-only configuration objects the
// orchestrator core consumes: Templates and their ecosystem variants.
// Templates themselves live outside the core (spec §1, "Configuration
// templates on disk"); this package defines the parsed shape the core
// receives and, in loader.go, a Registry that loads it from a directory.
package template

import "github.com/kromosynth/orchestrator/pkg/runtypes"

// ServiceKind is one of the closed set of auxiliary service kinds (spec §3).
type ServiceKind string

const (
	KindVariation          ServiceKind = "variation"
	KindRender             ServiceKind = "render"
	KindFeatureClap        ServiceKind = "featureClap"
	KindGenericFeatures    ServiceKind = "genericFeatures"
	KindRefFeatures        ServiceKind = "refFeatures"
	KindQdhfProjection     ServiceKind = "qdhfProjection"
	KindUmapProjection     ServiceKind = "umapProjection"
	KindQualityMusicality  ServiceKind = "qualityMusicality"
	KindPyribs             ServiceKind = "pyribs"
)

// ExecutionMode selects how a service's replicas are laid out.
type ExecutionMode string

const (
	ModeCluster ExecutionMode = "cluster" // N replicas on contiguous ports from base
	ModeFork    ExecutionMode = "fork"    // N fully independent replicas
)

// RestartSchedule is a periodic-restart schedule (spec §4.C, "Staggered
// restarts"). Cron holds a Go duration string that the exec backend uses
// as a fixed restart interval; cron syntax is not accepted. MinuteOffset
// is carried as data and is not read by the resolver or the backend.
type RestartSchedule struct {
	MinuteOffset int
	Cron         string // e.g. "2h"
}

// ServiceDefinition is the declarative record of one auxiliary process
// (spec §3).
type ServiceDefinition struct {
	Kind             ServiceKind
	InstanceCount    int
	ExecutionMode    ExecutionMode
	Stateful         bool
	MaxMemoryRestart string // e.g. "512M"; empty for stateful services
	BasePort         int
	Restart          *RestartSchedule // nil for stateful services

	Script      string
	Interpreter string // "node" | "python" | ""
	ArgsTemplate []string
}

// EcosystemVariant is a named service-graph specialization of a template.
type EcosystemVariant struct {
	Name     string
	Services []ServiceDefinition
}

// Template is a named, read-only configuration recipe.
type Template struct {
	Name             string
	ComputeRunConfig runtypes.ComputeRunConfig
	Hyperparameters  map[string]interface{}
	Variants         map[string]EcosystemVariant
}

// Variant looks up an ecosystem variant by name, returning ok=false if the
// template has no such variant (spec §4.E, "no ecosystem template" is a
// soft success handled by the caller, not this lookup).
func (t Template) Variant(name string) (EcosystemVariant, bool) {
	v, ok := t.Variants[name]
	return v, ok
}
