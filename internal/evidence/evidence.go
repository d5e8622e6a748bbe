// Package evidence parses collaborator-supplied outcome payloads and maps
// them onto epistemic dimensions. Evidence is structured and numeric only;
// free-text rationale is never interpreted here.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"

	"noesis/internal/epistemic"
)

// churnScale normalizes diff churn (insertions+deletions) to [0,1]. A change
// touching this many lines or more counts as full impact.
const churnScale = 400

// DiffStats summarizes the praxic-phase change set.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// Evidence is the external verification payload for a transaction. All
// fields are optional; absent fields simply produce no proxy for the
// dimensions they would ground.
type Evidence struct {
	TestPassRatio       *float64   `json:"test_pass_ratio,omitempty"`
	ArtifactRatio       *float64   `json:"artifact_ratio,omitempty"`
	GoalCompletionRatio *float64   `json:"goal_completion_ratio,omitempty"`
	DiffStats           *DiffStats `json:"diff_stats,omitempty"`
}

// Validate checks ranges only. Interpretation is the calibration engine's job.
func (e *Evidence) Validate() error {
	for name, v := range map[string]*float64{
		"test_pass_ratio":       e.TestPassRatio,
		"artifact_ratio":        e.ArtifactRatio,
		"goal_completion_ratio": e.GoalCompletionRatio,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("evidence %s = %v: must be in [0,1]", name, *v)
		}
	}
	if d := e.DiffStats; d != nil {
		if d.FilesChanged < 0 || d.Insertions < 0 || d.Deletions < 0 {
			return fmt.Errorf("evidence diff_stats must be non-negative: %+v", *d)
		}
	}
	return nil
}

// Empty reports whether the payload grounds no dimension at all.
func (e *Evidence) Empty() bool {
	return e.TestPassRatio == nil && e.ArtifactRatio == nil &&
		e.GoalCompletionRatio == nil && e.DiffStats == nil
}

// Proxies maps the payload onto the grounded dimensions:
//
//	completion — mean of the present ratios among test_pass and goal_completion
//	knowledge  — test_pass_ratio
//	impact     — artifact_ratio, falling back to normalized diff churn
//
// Only dimensions the payload actually grounds appear in the result.
func (e *Evidence) Proxies() map[epistemic.Dimension]float64 {
	out := make(map[epistemic.Dimension]float64)

	var sum float64
	var n int
	if e.TestPassRatio != nil {
		sum += *e.TestPassRatio
		n++
	}
	if e.GoalCompletionRatio != nil {
		sum += *e.GoalCompletionRatio
		n++
	}
	if n > 0 {
		out[epistemic.DimCompletion] = sum / float64(n)
	}

	if e.TestPassRatio != nil {
		out[epistemic.DimKnowledge] = *e.TestPassRatio
	}

	switch {
	case e.ArtifactRatio != nil:
		out[epistemic.DimImpact] = *e.ArtifactRatio
	case e.DiffStats != nil:
		churn := float64(e.DiffStats.Insertions + e.DiffStats.Deletions)
		impact := churn / churnScale
		if impact > 1 {
			impact = 1
		}
		out[epistemic.DimImpact] = impact
	}
	return out
}

// Parse decodes and validates a JSON evidence payload.
func Parse(data []byte) (*Evidence, error) {
	var e Evidence
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse evidence: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Load reads an evidence payload from a file.
func Load(path string) (*Evidence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence file: %w", err)
	}
	return Parse(data)
}
