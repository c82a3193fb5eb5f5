package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplate = `{
  // inline note, stripped before parsing
  "computeRunConfig": {},
  "hyperparameters": {"populationSize": 64},
  "variants": {
    "default": {
      "services": [
        {"kind": "variation", "instanceCount": 1, "script": "variation.js"}
      ]
    }
  }
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadDirParsesValidTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "evo-default.jsonc", validTemplate)

	reg := NewRegistry()
	errs := reg.LoadDir(dir)
	require.Empty(t, errs)

	tmpl, ok := reg.Get("evo-default")
	require.True(t, ok)
	assert.Equal(t, "evo-default", tmpl.Name)
	require.Contains(t, tmpl.Variants, "default")
	assert.Len(t, tmpl.Variants["default"].Services, 1)
}

func TestLoadDirReportsErrorButKeepsOtherTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.json", validTemplate)
	writeFile(t, dir, "bad.json", `{not valid json`)

	reg := NewRegistry()
	errs := reg.LoadDir(dir)
	require.Len(t, errs, 1)

	assert.True(t, reg.Exists("good"))
	assert.False(t, reg.Exists("bad"))
}

func TestLoadDirCarriesForwardLastGoodVersionOnReparseFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "flaky.json", validTemplate)

	reg := NewRegistry()
	require.Empty(t, reg.LoadDir(dir))
	require.True(t, reg.Exists("flaky"))

	// Corrupt the file in place; a naive "rebuild from scratch" loader
	// would drop the template entirely here.
	writeFile(t, dir, "flaky.json", `{not valid json`)
	errs := reg.LoadDir(dir)
	require.Len(t, errs, 1)

	tmpl, ok := reg.Get("flaky")
	require.True(t, ok, "previously-loaded template must survive a reparse failure")
	assert.Equal(t, "flaky", tmpl.Name)
}

func TestLoadDirDropsTemplateWhenFileIsRemoved(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gone.json", validTemplate)

	reg := NewRegistry()
	require.Empty(t, reg.LoadDir(dir))
	require.True(t, reg.Exists("gone"))

	require.NoError(t, os.Remove(filepath.Join(dir, "gone.json")))
	require.Empty(t, reg.LoadDir(dir))

	assert.False(t, reg.Exists("gone"))
}

func TestListReturnsAllLoadedNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", validTemplate)
	writeFile(t, dir, "b.json", validTemplate)

	reg := NewRegistry()
	require.Empty(t, reg.LoadDir(dir))

	assert.ElementsMatch(t, []string{"a", "b"}, reg.List())
}
