package progressparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeneration(t *testing.T) {
	delta, ok := Parse("evolution run: generation 42 starting")
	require.True(t, ok)
	require.NotNil(t, delta.Generation)
	assert.Equal(t, 42, *delta.Generation)
}

func TestParseCoveragePercentageForm(t *testing.T) {
	delta, ok := Parse("map coveragePercentage 37.5 of grid")
	require.True(t, ok)
	require.NotNil(t, delta.Coverage)
	assert.InDelta(t, 0.375, *delta.Coverage, 1e-9)
}

func TestParseCoverageColonForm(t *testing.T) {
	delta, ok := Parse("Coverage: 12.25%")
	require.True(t, ok)
	require.NotNil(t, delta.Coverage)
	assert.InDelta(t, 0.1225, *delta.Coverage, 1e-9)
}

func TestParseQDScore(t *testing.T) {
	delta, ok := Parse("iteration done, QD Score: 891.4")
	require.True(t, ok)
	require.NotNil(t, delta.QDScore)
	assert.InDelta(t, 891.4, *delta.QDScore, 1e-9)
}

func TestParseCompletionPercent(t *testing.T) {
	delta, ok := Parse("% completed: 88.9")
	require.True(t, ok)
	require.NotNil(t, delta.CompletionPercent)
	assert.InDelta(t, 88.9, *delta.CompletionPercent, 1e-9)
}

func TestParseNoMatch(t *testing.T) {
	_, ok := Parse("just a regular log line with no metrics")
	assert.False(t, ok)
}

func TestParseOnlyMatchesOnePattern(t *testing.T) {
	delta, ok := Parse("generation 3, QD Score: 10")
	require.True(t, ok)
	// generationRe is checked first, so only Generation should be set.
	require.NotNil(t, delta.Generation)
	assert.Nil(t, delta.QDScore)
}
