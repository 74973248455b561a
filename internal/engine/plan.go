package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/stresslab/internal/sink"
)

// Step is one task block of a plan. Break is the rest period after the
// block; it is skipped after the last block.
type Step struct {
	Task           sink.Task      `yaml:"task"`
	Trials         int            `yaml:"trials"`
	ResponseWindow time.Duration  `yaml:"response_window"`
	Break          time.Duration  `yaml:"break"`
	Settings       map[string]any `yaml:"settings,omitempty"`
}

// TaskConfig returns the controller configuration for the step.
func (s Step) TaskConfig() TaskConfig {
	return TaskConfig{Trials: s.Trials, Settings: s.Settings}
}

// Plan is an ordered list of task blocks run for one participant.
type Plan struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// DefaultBreak is the rest between blocks of the default plan.
const DefaultBreak = 60 * time.Second

// DefaultPlan is the standard participant flow.
func DefaultPlan() Plan {
	return Plan{
		Name: "default",
		Steps: []Step{
			{Task: sink.TaskNBack, Trials: 20, ResponseWindow: 3 * time.Second, Break: DefaultBreak},
			{Task: sink.TaskStroop, Trials: 15, ResponseWindow: 3 * time.Second, Break: DefaultBreak},
			{Task: sink.TaskReaction, Trials: 10, ResponseWindow: 2 * time.Second},
		},
	}
}

// LoadPlan reads a YAML plan. An empty path yields DefaultPlan.
func LoadPlan(path string) (Plan, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPlan(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(raw)
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(raw []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %q has no steps", p.Name)
	}
	for i, s := range p.Steps {
		if !s.Task.Valid() {
			return fmt.Errorf("plan step %d: unknown task %q", i+1, s.Task)
		}
		if s.Trials <= 0 {
			return fmt.Errorf("plan step %d: trials must be > 0", i+1)
		}
		if s.ResponseWindow < 0 {
			return fmt.Errorf("plan step %d: response_window must be >= 0", i+1)
		}
		if s.Break < 0 {
			return fmt.Errorf("plan step %d: break must be >= 0", i+1)
		}
	}
	return nil
}
