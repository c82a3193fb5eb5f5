// Package progressparser extracts runtypes.ProgressDelta values from a
// compute process's log lines via a small table of regular expressions
// (spec §4.E, "centralize in a ProgressParser that exposes
// parse(line) -> Option<ProgressDelta>"). Grounded in the teacher's
// pkg/output classification-by-pattern approach, generalized from
// matching filenames to matching log-line shapes.
package progressparser

import (
	"regexp"
	"strconv"

	"github.com/kromosynth/orchestrator/pkg/runtypes"
)

var (
	generationRe = regexp.MustCompile(`generation\s+(\d+)`)
	coveragePctRe = regexp.MustCompile(`coveragePercentage\s+([0-9]*\.?[0-9]+)`)
	coverageColonRe = regexp.MustCompile(`(?i)coverage:\s*([0-9]*\.?[0-9]+)\s*%`)
	qdScoreRe     = regexp.MustCompile(`(?i)QD Score:\s*([0-9]*\.?[0-9]+)`)
	completedRe   = regexp.MustCompile(`%\s*completed:\s*([0-9]*\.?[0-9]+)`)
)

// Parse scans line against the known-format table and returns the delta
// it implies, or ok=false if none of the patterns matched. Patterns are
// tried in table order and only the first match is used, so a line that
// matches several patterns yields a single-field delta.
func Parse(line string) (runtypes.ProgressDelta, bool) {
	var delta runtypes.ProgressDelta

	if m := generationRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			delta.Generation = &n
			return delta, true
		}
	}
	if m := coveragePctRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			c := v / 100
			delta.Coverage = &c
			return delta, true
		}
	}
	if m := coverageColonRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			c := v / 100
			delta.Coverage = &c
			return delta, true
		}
	}
	if m := qdScoreRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			delta.QDScore = &v
			return delta, true
		}
	}
	if m := completedRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			delta.CompletionPercent = &v
			return delta, true
		}
	}
	return delta, false
}
