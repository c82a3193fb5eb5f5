// Package servicegraph resolves an ecosystem variant's declarative
// ServiceDefinitions into concrete supervisor.Specs for one run: ports
// from the run's allocation and token substitution in argument templates
// (spec §4.C). Resolve passes a service's declared restart schedule
// through unchanged; RestartMinuteOffsets computes staggered minute
// offsets, but Resolve does not apply them. Grounded in the
// teacher's pkg/preflight readiness-rule resolution (declarative rule ->
// concrete check), generalized from "validate" to "instantiate".
package servicegraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kromosynth/orchestrator/internal/portalloc"
	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"github.com/kromosynth/orchestrator/pkg/template"
)

// ResolvedService is one concrete replica of a ServiceDefinition, ready
// to hand to the supervisor.
type ResolvedService struct {
	Kind         string
	ReplicaIndex int
	ProcessName  string
	Port         int
	Spec         supervisor.Spec
}

// Resolve expands variant into one supervisor.Spec per replica of every
// service cfg's detection rules (spec §4.C) actually require, using alloc
// for ports and workingDir as each process's cwd. A service kind declared
// on variant but not required by cfg is skipped entirely. Tokens $PORT,
// $RUN_ID, $WORKING_DIR, $DIMENSIONS and $DIMENSION_CELLS in a service's
// ArgsTemplate are substituted with the replica's resolved values.
func Resolve(runID string, variant template.EcosystemVariant, cfg runtypes.ComputeRunConfig, alloc runtypes.PortAllocation, workingDir string, logDir string) ([]ResolvedService, error) {
	required := RequiredKinds(cfg)
	dimCount, dimCells := Dimensions(cfg)

	var out []ResolvedService
	for _, def := range variant.Services {
		if !required[def.Kind] {
			continue
		}
		count := def.InstanceCount
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			port := portalloc.ServicePort(alloc, string(def.Kind), i, def.BasePort)
			name := supervisor.ServiceProcessName(fmt.Sprintf("%s-%d", def.Kind, i), runID)
			args := substituteTokens(def.ArgsTemplate, port, runID, workingDir, dimCount, dimCells)

			spec := supervisor.Spec{
				Name:             name,
				Executable:       def.Script,
				Args:             args,
				Cwd:              workingDir,
				Interpreter:      def.Interpreter,
				ExecutionMode:    string(def.ExecutionMode),
				MaxMemoryRestart: def.MaxMemoryRestart,
				AutoRestart:      !def.Stateful,
				StdoutLogPath:    logPath(logDir, name, "out"),
				StderrLogPath:    logPath(logDir, name, "err"),
			}
			if def.Restart != nil {
				spec.PeriodicRestart = &supervisor.RestartSchedule{Cron: def.Restart.Cron}
			}

			out = append(out, ResolvedService{
				Kind:         string(def.Kind),
				ReplicaIndex: i,
				ProcessName:  name,
				Port:         port,
				Spec:         spec,
			})
		}
	}
	return out, nil
}

func logPath(logDir, name, stream string) string {
	if logDir == "" {
		return ""
	}
	return logDir + "/" + name + "." + stream + ".log"
}

func substituteTokens(templ []string, port int, runID, workingDir string, dimCount, dimCells int) []string {
	out := make([]string, len(templ))
	for i, arg := range templ {
		arg = strings.ReplaceAll(arg, "$PORT", strconv.Itoa(port))
		arg = strings.ReplaceAll(arg, "$RUN_ID", runID)
		arg = strings.ReplaceAll(arg, "$WORKING_DIR", workingDir)
		arg = strings.ReplaceAll(arg, "$DIMENSIONS", strconv.Itoa(dimCount))
		arg = strings.ReplaceAll(arg, "$DIMENSION_CELLS", strconv.Itoa(dimCells))
		out[i] = arg
	}
	return out
}

// RequiredKinds implements spec §4.C's detection rules: scanning the
// compute-run config to decide which auxiliary service kinds this run
// actually needs, rather than trusting a template's static service list
// verbatim. variation and render are always required; everything else is
// conditional on the classifier/cmaMAE shape of cfg.
func RequiredKinds(cfg runtypes.ComputeRunConfig) map[template.ServiceKind]bool {
	required := map[template.ServiceKind]bool{
		template.KindVariation: true,
		template.KindRender:    true,
	}
	for _, classifier := range cfg.Classifiers {
		for _, cc := range classifier.ClassConfigurations {
			switch {
			case cc.FeatureExtractionType == "clap":
				required[template.KindFeatureClap] = true
			case cc.FeatureExtractionType == "vggish", strings.Contains(cc.FeatureExtractionEndpoint, "/vggish"):
				required[template.KindGenericFeatures] = true
			}
			if len(cc.ZScoreNormalisationReferenceFeaturesPaths) > 0 || strings.Contains(cc.FeatureExtractionEndpoint, "reference_embedding") {
				required[template.KindRefFeatures] = true
			}
			if strings.Contains(cc.ProjectionEndpoint, "qdhf") {
				required[template.KindQdhfProjection] = true
			}
			if strings.Contains(cc.ProjectionEndpoint, "umap") || strings.Contains(cc.ProjectionEndpoint, "pca") || strings.Contains(cc.ProjectionEndpoint, "quantised") {
				required[template.KindUmapProjection] = true
			}
			if strings.Contains(cc.QualityEndpoint, "musicality") {
				required[template.KindQualityMusicality] = true
			}
		}
	}
	if cfg.CmaMAEConfig.Enabled {
		required[template.KindPyribs] = true
	}
	return required
}

// Dimensions implements spec §4.C's dimension derivation: the number of
// numeric entries in classifiers[0].classificationDimensions, and the
// first entry as dimensionCells (the archive resolution fed to
// quantized-projection and archive services via token substitution).
func Dimensions(cfg runtypes.ComputeRunConfig) (count, cells int) {
	if len(cfg.Classifiers) == 0 {
		return 0, 0
	}
	for i, d := range cfg.Classifiers[0].ClassificationDimensions {
		n, ok := numeric(d)
		if !ok {
			continue
		}
		count++
		if i == 0 {
			cells = int(n)
		}
	}
	return count, cells
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// RestartMinuteOffsets returns a staggered minute-of-hour offset for each
// distinct service kind in variant, spaced by spreadMinutes apart so
// identically-scheduled periodic restarts don't all fire at once (spec
// §4.C, "Staggered restarts"). The same kind always receives the same
// offset for a given variant ordering, making the schedule deterministic.
func RestartMinuteOffsets(variant template.EcosystemVariant, spreadMinutes int) map[string]int {
	if spreadMinutes <= 0 {
		spreadMinutes = 5
	}
	offsets := make(map[string]int)
	next := 0
	for _, def := range variant.Services {
		if def.Stateful || def.Restart == nil {
			continue
		}
		key := string(def.Kind)
		if _, ok := offsets[key]; ok {
			continue
		}
		offsets[key] = (next * spreadMinutes) % 60
		next++
	}
	return offsets
}

// BuildServiceURLs groups resolved services by kind into ws:// URLs for
// injection into the compute run's config (spec §4.D, "endpoint
// injection").
func BuildServiceURLs(host string, services []ResolvedService) map[string][]string {
	out := make(map[string][]string)
	for _, svc := range services {
		url := fmt.Sprintf("ws://%s:%d", host, svc.Port)
		out[svc.Kind] = append(out[svc.Kind], url)
	}
	return out
}
