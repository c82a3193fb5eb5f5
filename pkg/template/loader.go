package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kromosynth/orchestrator/internal/workingdir"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
)

// Registry holds the currently loaded templates, safe for concurrent
// reads while LoadDir swaps in a fresh snapshot (spec §6, "Template
// definitions on disk, watched for live reload").
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Get looks up a template by name.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Exists reports whether name is a known template (used by the scheduler
// to purge stale enabled entries).
func (r *Registry) Exists(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns every currently loaded template name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	return out
}

// LoadDir parses every *.json / *.jsonc file in dir as a Template (named
// after its filename stem) and atomically swaps the registry's contents.
// A file that fails to parse is skipped with an error appended to the
// return slice, and its previously-loaded template (if any) is carried
// over unchanged, rather than aborting the whole reload or silently
// dropping an entry that was fine a moment ago (spec §6, "a malformed
// template must not take down already-running templates"). A file that
// is removed from dir does still drop its template, since that's a
// deliberate deletion rather than a parse failure.
func (r *Registry) LoadDir(dir string) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []error{fmt.Errorf("read templates dir %s: %w", dir, err)}
	}

	r.mu.RLock()
	previous := r.templates
	r.mu.RUnlock()

	loaded := make(map[string]Template, len(entries))
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".jsonc") {
			continue
		}
		stem := strings.TrimSuffix(strings.TrimSuffix(name, ".jsonc"), ".json")
		tmpl, err := parseTemplateFile(filepath.Join(dir, name), stem)
		if err != nil {
			errs = append(errs, err)
			if prev, ok := previous[stem]; ok {
				loaded[stem] = prev
			}
			continue
		}
		loaded[stem] = tmpl
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()
	return errs
}

func parseTemplateFile(path, name string) (Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template %s: %w", path, err)
	}

	var doc struct {
		ComputeRunConfig map[string]interface{}     `json:"computeRunConfig"`
		Hyperparameters  map[string]interface{}     `json:"hyperparameters"`
		Variants         map[string]rawVariant      `json:"variants"`
	}
	if err := json.Unmarshal(workingdir.StripJSONComments(raw), &doc); err != nil {
		return Template{}, fmt.Errorf("parse template %s: %w", path, err)
	}

	cfg, err := runtypes.DecodeComputeRunConfig(doc.ComputeRunConfig)
	if err != nil {
		return Template{}, fmt.Errorf("decode computeRunConfig in %s: %w", path, err)
	}

	variants := make(map[string]EcosystemVariant, len(doc.Variants))
	for vname, rv := range doc.Variants {
		variants[vname] = EcosystemVariant{Name: vname, Services: rv.Services}
	}

	return Template{
		Name:             name,
		ComputeRunConfig: cfg,
		Hyperparameters:  doc.Hyperparameters,
		Variants:         variants,
	}, nil
}

type rawVariant struct {
	Services []ServiceDefinition `json:"services"`
}
