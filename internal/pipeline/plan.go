package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/climsim/aquaprep/internal/pipeline/config"
)

// PlannedStep is the dry-run view of one step: everything the runner would
// do, without touching the filesystem or any tool.
type PlannedStep struct {
	Name         string
	Argv         []string
	Image        string // empty means host execution
	EnvKeys      []string
	Inputs       []string
	Outputs      []string
	Timeout      time.Duration
	AllowFailure bool
}

// Mode describes where the step would run.
func (p PlannedStep) Mode() string {
	if p.Image == "" {
		return "local"
	}
	return "image " + p.Image
}

// BuildPlan computes the execution plan for the selected steps.
func BuildPlan(cfg *config.Config, steps []*config.Step, imageOverride string, forceLocal bool) []PlannedStep {
	if steps == nil {
		steps = cfg.Steps
	}
	plan := make([]PlannedStep, 0, len(steps))
	for _, step := range steps {
		if step == nil {
			continue
		}
		image := ""
		if !forceLocal {
			image = strings.TrimSpace(imageOverride)
			if image == "" {
				image = cfg.ImageFor(step)
			}
		}
		plan = append(plan, PlannedStep{
			Name:         step.Name,
			Argv:         append([]string(nil), step.Run...),
			Image:        image,
			EnvKeys:      EnvKeys(cfg.Vars, step),
			Inputs:       append([]string(nil), step.Inputs...),
			Outputs:      append([]string(nil), step.Outputs...),
			Timeout:      step.TimeoutDuration(),
			AllowFailure: step.AllowFailure,
		})
	}
	return plan
}

// RenderPlan writes a deterministic, human-readable plan.
func RenderPlan(w io.Writer, plan []PlannedStep) {
	for i, step := range plan {
		header := fmt.Sprintf("%2d. %s  (%s)", i+1, step.Name, step.Mode())
		if step.AllowFailure {
			header += "  [failure allowed]"
		}
		fmt.Fprintln(w, header)
		fmt.Fprintf(w, "    $ %s\n", strings.Join(step.Argv, " "))
		if len(step.EnvKeys) > 0 {
			fmt.Fprintf(w, "    env:     %s\n", strings.Join(step.EnvKeys, ", "))
		}
		if len(step.Inputs) > 0 {
			fmt.Fprintf(w, "    inputs:  %s\n", strings.Join(step.Inputs, ", "))
		}
		if len(step.Outputs) > 0 {
			fmt.Fprintf(w, "    outputs: %s\n", strings.Join(step.Outputs, ", "))
		}
		if step.Timeout > 0 {
			fmt.Fprintf(w, "    timeout: %s\n", step.Timeout)
		}
	}
}
