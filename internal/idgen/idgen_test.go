package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunID_SortableAndSeparatorFree(t *testing.T) {
	g := NewGenerator()

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = g.NewRunID()
	}

	for _, id := range ids {
		require.NotContains(t, id, "_", "run id must not contain the name-suffix separator")
		assert.Equal(t, strings.ToLower(id), id)
	}

	for i := 1; i < len(ids); i++ {
		assert.True(t, ids[i-1] < ids[i] || ids[i-1] == ids[i], "ids generated in sequence should sort non-decreasing")
	}
}

func TestNewRunID_Unique(t *testing.T) {
	g := NewGenerator()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := g.NewRunID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
