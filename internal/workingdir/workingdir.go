// Package workingdir manages each run's private working directory: the
// evolutionary-run config file written there in JSONC (JSON with //
// comments), and the directory layout the compute process and its
// auxiliary services share. Grounded in the teacher's internal/assets
// template-materialization helpers, generalized from "render one manifest
// once" to "lay out one directory per run and rewrite its config file on
// every resume".
package workingdir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the set of paths inside one run's working directory.
type Layout struct {
	Root       string
	ConfigPath string
	LogDir     string
}

// New computes the layout for runID under root, without creating
// anything on disk.
func New(root, runID string) Layout {
	dir := filepath.Join(root, runID)
	return Layout{
		Root:       dir,
		ConfigPath: filepath.Join(dir, "config.jsonc"),
		LogDir:     filepath.Join(dir, "logs"),
	}
}

// Ensure creates l's directories if they don't already exist.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Root, 0755); err != nil {
		return fmt.Errorf("create working dir %s: %w", l.Root, err)
	}
	if err := os.MkdirAll(l.LogDir, 0755); err != nil {
		return fmt.Errorf("create log dir %s: %w", l.LogDir, err)
	}
	return nil
}

// ReadConfig reads and parses l.ConfigPath, stripping // line comments
// before unmarshalling (the compute-run config is authored as JSONC).
func (l Layout) ReadConfig() (map[string]interface{}, error) {
	raw, err := os.ReadFile(l.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.ConfigPath, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(StripJSONComments(raw), &out); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.ConfigPath, err)
	}
	return out, nil
}

// WriteConfig serializes cfg as pretty JSON and writes it atomically via
// a tmp-file-then-rename, matching the durability pattern used by the
// run store (spec §4.F).
func (l Layout) WriteConfig(cfg map[string]interface{}) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := l.ConfigPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp config %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.ConfigPath); err != nil {
		return fmt.Errorf("rename config into place %s: %w", l.ConfigPath, err)
	}
	return nil
}

// StripJSONComments removes // line comments that fall outside string
// literals, the minimal JSONC dialect the evolutionary-run config authors
// use for inline notes.
func StripJSONComments(src []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(src) && src[i+1] == '/' {
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				out.WriteByte('\n')
			}
			continue
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}
