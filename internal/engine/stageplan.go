package engine

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultStagesYAML []byte

// StagePlan maps the pipeline's stage names onto nominal progress
// percents, used when a stage notification arrives without one. The
// plan is ordered; unknown stages fall back to the last known percent.
type StagePlan struct {
	Stages []PlanStage `yaml:"stages"`

	byName map[string]int
}

type PlanStage struct {
	Name    string `yaml:"name"`
	Percent int    `yaml:"percent"`
}

func DefaultStagePlan() (*StagePlan, error) {
	return parseStagePlan(defaultStagesYAML)
}

// LoadStagePlan reads a plan from path, falling back to the embedded
// default when path is empty.
func LoadStagePlan(path string) (*StagePlan, error) {
	if path == "" {
		return DefaultStagePlan()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage plan: %w", err)
	}
	return parseStagePlan(raw)
}

func parseStagePlan(raw []byte) (*StagePlan, error) {
	var plan StagePlan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("parse stage plan: %w", err)
	}
	if len(plan.Stages) == 0 {
		return nil, fmt.Errorf("stage plan has no stages")
	}
	plan.byName = make(map[string]int, len(plan.Stages))
	prev := 0
	for i, s := range plan.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if s.Percent < 0 || s.Percent > 100 {
			return nil, fmt.Errorf("stage %q percent out of range: %d", s.Name, s.Percent)
		}
		if s.Percent < prev {
			return nil, fmt.Errorf("stage %q percent regresses: %d < %d", s.Name, s.Percent, prev)
		}
		prev = s.Percent
		plan.byName[s.Name] = s.Percent
	}
	return &plan, nil
}

func (p *StagePlan) PercentFor(stage string) (int, bool) {
	pct, ok := p.byName[stage]
	return pct, ok
}
