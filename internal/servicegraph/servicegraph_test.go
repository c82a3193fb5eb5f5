package servicegraph

import (
	"testing"

	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"github.com/kromosynth/orchestrator/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVariant() template.EcosystemVariant {
	return template.EcosystemVariant{
		Name: "default",
		Services: []template.ServiceDefinition{
			{
				Kind:          template.KindVariation,
				InstanceCount: 2,
				Script:        "variation.js",
				Interpreter:   "node",
				ArgsTemplate:  []string{"--port", "$PORT", "--run", "$RUN_ID", "--cwd", "$WORKING_DIR"},
				Restart:       &template.RestartSchedule{Cron: "1h"},
			},
			{
				Kind:     template.KindPyribs,
				Stateful: true,
				Script:   "pyribs.py",
			},
		},
	}
}

func pyribsEnabledConfig() runtypes.ComputeRunConfig {
	return runtypes.ComputeRunConfig{CmaMAEConfig: runtypes.CmaMAEConfig{Enabled: true}}
}

func TestResolveExpandsReplicasAndSubstitutesTokens(t *testing.T) {
	alloc := runtypes.PortAllocation{RunID: "run-1", Start: 30000, Size: 100}

	resolved, err := Resolve("run-1", testVariant(), pyribsEnabledConfig(), alloc, "/work/run-1", "/work/run-1/logs")
	require.NoError(t, err)

	// 2 variation replicas + 1 pyribs replica (InstanceCount defaults to 1).
	require.Len(t, resolved, 3)

	first := resolved[0]
	assert.Equal(t, "variation", first.Kind)
	assert.Equal(t, 0, first.ReplicaIndex)
	assert.Contains(t, first.Spec.Args, "run-1")
	assert.Contains(t, first.Spec.Args, "/work/run-1")
	assert.True(t, first.Spec.AutoRestart)
	require.NotNil(t, first.Spec.PeriodicRestart)
	assert.Equal(t, "1h", first.Spec.PeriodicRestart.Cron)

	second := resolved[1]
	assert.Equal(t, 1, second.ReplicaIndex)
	assert.NotEqual(t, first.Port, second.Port)

	stateful := resolved[2]
	assert.Equal(t, "pyribs", stateful.Kind)
	assert.False(t, stateful.Spec.AutoRestart)
	assert.Nil(t, stateful.Spec.PeriodicRestart)
}

func TestResolveSkipsServicesNotRequiredByDetection(t *testing.T) {
	alloc := runtypes.PortAllocation{RunID: "run-1", Start: 30000, Size: 100}

	// No cmaMAEConfig.enabled, so pyribs is declared on the variant but
	// never actually required this run (spec §4.C detection rules).
	resolved, err := Resolve("run-1", testVariant(), runtypes.ComputeRunConfig{}, alloc, "/work/run-1", "")
	require.NoError(t, err)

	for _, svc := range resolved {
		assert.NotEqual(t, "pyribs", svc.Kind)
	}
	assert.Len(t, resolved, 2, "only the 2 variation replicas are required")
}

func TestResolveProcessNamesCarryRunIDSuffix(t *testing.T) {
	alloc := runtypes.PortAllocation{RunID: "run-1", Start: 30000, Size: 100}

	resolved, err := Resolve("run-1", testVariant(), pyribsEnabledConfig(), alloc, "/work/run-1", "")
	require.NoError(t, err)

	for _, svc := range resolved {
		id, ok := supervisor.ExtractRunID(svc.ProcessName)
		require.True(t, ok, "process name %q must carry a run suffix", svc.ProcessName)
		assert.Equal(t, "run-1", id)
		assert.True(t, supervisor.HasRunSuffix(svc.ProcessName, "run-1"))
	}
}

func TestRequiredKindsAlwaysIncludesVariationAndRender(t *testing.T) {
	required := RequiredKinds(runtypes.ComputeRunConfig{})
	assert.True(t, required[template.KindVariation])
	assert.True(t, required[template.KindRender])
	assert.False(t, required[template.KindPyribs])
	assert.False(t, required[template.KindFeatureClap])
}

func TestRequiredKindsDetectsFromClassifierConfigurations(t *testing.T) {
	cfg := runtypes.ComputeRunConfig{
		Classifiers: []runtypes.Classifier{{
			ClassConfigurations: []runtypes.ClassConfiguration{
				{FeatureExtractionType: "clap"},
				{FeatureExtractionEndpoint: "http://host/vggish/extract"},
				{ZScoreNormalisationReferenceFeaturesPaths: []string{"/paths/ref.json"}},
				{ProjectionEndpoint: "http://host/qdhf/project"},
				{ProjectionEndpoint: "http://host/umap/project"},
				{QualityEndpoint: "http://host/musicality/score"},
			},
		}},
	}

	required := RequiredKinds(cfg)
	assert.True(t, required[template.KindFeatureClap])
	assert.True(t, required[template.KindGenericFeatures])
	assert.True(t, required[template.KindRefFeatures])
	assert.True(t, required[template.KindQdhfProjection])
	assert.True(t, required[template.KindUmapProjection])
	assert.True(t, required[template.KindQualityMusicality])
	assert.False(t, required[template.KindPyribs])
}

func TestRequiredKindsDetectsPcaAndQuantisedAsUmapProjection(t *testing.T) {
	for _, endpoint := range []string{"http://host/pca/project", "http://host/quantised/project"} {
		cfg := runtypes.ComputeRunConfig{Classifiers: []runtypes.Classifier{{
			ClassConfigurations: []runtypes.ClassConfiguration{{ProjectionEndpoint: endpoint}},
		}}}
		assert.True(t, RequiredKinds(cfg)[template.KindUmapProjection], endpoint)
	}
}

func TestRequiredKindsDetectsCmaMAEForPyribs(t *testing.T) {
	required := RequiredKinds(runtypes.ComputeRunConfig{CmaMAEConfig: runtypes.CmaMAEConfig{Enabled: true}})
	assert.True(t, required[template.KindPyribs])
}

func TestDimensionsCountsNumericEntriesAndTakesFirstAsCells(t *testing.T) {
	cfg := runtypes.ComputeRunConfig{
		Classifiers: []runtypes.Classifier{{
			ClassificationDimensions: []interface{}{10.0, 5.0, "not-a-dimension", 3.0},
		}},
	}

	count, cells := Dimensions(cfg)
	assert.Equal(t, 3, count)
	assert.Equal(t, 10, cells)
}

func TestDimensionsWithNoClassifiersIsZero(t *testing.T) {
	count, cells := Dimensions(runtypes.ComputeRunConfig{})
	assert.Zero(t, count)
	assert.Zero(t, cells)
}

func TestRestartMinuteOffsetsSkipsStatefulAndSpreadsOthers(t *testing.T) {
	variant := testVariant()
	variant.Services = append(variant.Services, template.ServiceDefinition{
		Kind:    template.KindRender,
		Restart: &template.RestartSchedule{Cron: "1h"},
	})

	offsets := RestartMinuteOffsets(variant, 10)

	assert.NotContains(t, offsets, "pyribs")
	require.Contains(t, offsets, "variation")
	require.Contains(t, offsets, "render")
	assert.NotEqual(t, offsets["variation"], offsets["render"])
}

func TestBuildServiceURLsGroupsByKind(t *testing.T) {
	services := []ResolvedService{
		{Kind: "variation", Port: 30001},
		{Kind: "variation", Port: 30002},
		{Kind: "render", Port: 30010},
	}

	urls := BuildServiceURLs("127.0.0.1", services)

	assert.Equal(t, []string{"ws://127.0.0.1:30001", "ws://127.0.0.1:30002"}, urls["variation"])
	assert.Equal(t, []string{"ws://127.0.0.1:30010"}, urls["render"])
}
