package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	expectedType    = "aquaprep-pipeline"
	expectedVersion = 1
)

// Config represents the parsed .aquaprep/pipeline.yaml configuration.
type Config struct {
	Type    string       `yaml:"type"`
	Version int          `yaml:"version"`
	Workdir string       `yaml:"workdir"`
	Image   string       `yaml:"image"`
	Vars    []VarMapping `yaml:"vars"`
	Steps   []*Step      `yaml:"steps"`

	sourcePath string
	sourceDir  string
}

// VarMapping defines a host->step environment variable mapping.
type VarMapping struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Step describes one external tool invocation in the pipeline.
type Step struct {
	Name         string            `yaml:"name"`
	Run          Command           `yaml:"run"`
	Env          map[string]string `yaml:"env"`
	Inputs       []string          `yaml:"inputs"`
	Outputs      []string          `yaml:"outputs"`
	Image        string            `yaml:"image"`
	Timeout      string            `yaml:"timeout"`
	AllowFailure bool              `yaml:"allow_failure"`

	timeout time.Duration
}

// TimeoutDuration returns the parsed per-step timeout (zero means none).
func (s *Step) TimeoutDuration() time.Duration {
	return s.timeout
}

// Command is the argv of an external tool.
// Supports two YAML formats:
//   - Scalar: "python shuffle_ds.py --pref x" (split on whitespace)
//   - Sequence: [python, shuffle_ds.py, --pref, x]
type Command []string

// UnmarshalYAML implements custom unmarshaling to support both scalar and sequence formats.
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var line string
		if err := node.Decode(&line); err != nil {
			return fmt.Errorf("invalid command: %w", err)
		}
		*c = Command(strings.Fields(line))
		return nil
	}

	if node.Kind == yaml.SequenceNode {
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return fmt.Errorf("invalid command list: %w", err)
		}
		*c = Command(argv)
		return nil
	}

	return fmt.Errorf("command must be a string or list, got %v", node.Kind)
}

// SourcePath returns the path the config was loaded from (or would have been,
// when the embedded default was used).
func (c *Config) SourcePath() string {
	return c.sourcePath
}

// Load parses and validates a .aquaprep/pipeline.yaml file with template expansion.
func Load(path string, env map[string]string, vars map[string]string) (*Config, error) {
	if env == nil {
		env = map[string]string{}
	}
	if vars == nil {
		vars = map[string]string{}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return loadFromData(data, path, env, vars)
}

func loadFromData(data []byte, path string, env, vars map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	cfg.sourcePath = path
	cfg.sourceDir = filepath.Dir(path)

	if strings.TrimSpace(cfg.Workdir) == "" {
		cfg.Workdir = "."
	}

	// Expand workdir first (env and vars only), then make it available to
	// every other field through the conf scope.
	var err error
	emptyConf := map[string]string{}
	cfg.Workdir, err = expandTemplates(cfg.Workdir, env, vars, emptyConf)
	if err != nil {
		return nil, fmt.Errorf("workdir: %w", err)
	}

	conf := map[string]string{
		"WORKDIR": cfg.Workdir,
	}

	if err := cfg.applyTemplates(env, vars, conf); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyTemplates(env, vars, conf map[string]string) error {
	var err error
	c.Image, err = expandTemplates(c.Image, env, vars, conf)
	if err != nil {
		return fmt.Errorf("image: %w", err)
	}

	for i := range c.Vars {
		c.Vars[i].Source, err = expandTemplates(c.Vars[i].Source, env, vars, conf)
		if err != nil {
			return fmt.Errorf("vars[%d] source: %w", i, err)
		}
		c.Vars[i].Target, err = expandTemplates(c.Vars[i].Target, env, vars, conf)
		if err != nil {
			return fmt.Errorf("vars[%d] target: %w", i, err)
		}
	}

	for _, step := range c.Steps {
		if step == nil {
			continue
		}
		for i := range step.Run {
			step.Run[i], err = expandTemplates(step.Run[i], env, vars, conf)
			if err != nil {
				return fmt.Errorf("step %s run[%d]: %w", step.Name, i, err)
			}
		}
		for k, v := range step.Env {
			step.Env[k], err = expandTemplates(v, env, vars, conf)
			if err != nil {
				return fmt.Errorf("step %s env %s: %w", step.Name, k, err)
			}
		}
		for i := range step.Inputs {
			step.Inputs[i], err = expandTemplates(step.Inputs[i], env, vars, conf)
			if err != nil {
				return fmt.Errorf("step %s input[%d]: %w", step.Name, i, err)
			}
		}
		for i := range step.Outputs {
			step.Outputs[i], err = expandTemplates(step.Outputs[i], env, vars, conf)
			if err != nil {
				return fmt.Errorf("step %s output[%d]: %w", step.Name, i, err)
			}
		}
		step.Image, err = expandTemplates(step.Image, env, vars, conf)
		if err != nil {
			return fmt.Errorf("step %s image: %w", step.Name, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Type != expectedType {
		return fmt.Errorf("unsupported config type %q (expected %q)", c.Type, expectedType)
	}
	if c.Version != expectedVersion {
		return fmt.Errorf("unsupported config version %d (expected %d)", c.Version, expectedVersion)
	}
	if len(c.Steps) == 0 {
		return errors.New("steps section is required")
	}
	for i := range c.Vars {
		if strings.TrimSpace(c.Vars[i].Source) == "" {
			return fmt.Errorf("vars[%d] missing source", i)
		}
	}

	seen := make(map[string]int)
	for i, step := range c.Steps {
		if step == nil {
			return fmt.Errorf("steps[%d] is empty", i)
		}
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("steps[%d] missing name", i)
		}
		step.Name = name
		if prev, exists := seen[name]; exists {
			return fmt.Errorf("duplicate step name %q (steps[%d] and steps[%d])", name, prev, i)
		}
		seen[name] = i

		if len(step.Run) == 0 {
			return fmt.Errorf("step %s missing run command", name)
		}
		for j, pattern := range step.Inputs {
			if strings.TrimSpace(pattern) == "" {
				return fmt.Errorf("step %s input[%d] is empty", name, j)
			}
			if _, err := filepath.Match(pattern, "probe"); err != nil {
				return fmt.Errorf("step %s input[%d] invalid pattern %q: %w", name, j, pattern, err)
			}
		}
		if strings.TrimSpace(step.Timeout) != "" {
			d, err := time.ParseDuration(step.Timeout)
			if err != nil {
				return fmt.Errorf("step %s invalid timeout %q: %w", name, step.Timeout, err)
			}
			if d < 0 {
				return fmt.Errorf("step %s negative timeout %q", name, step.Timeout)
			}
			step.timeout = d
		}
	}
	return nil
}

// Step returns the named step, or nil when it does not exist.
func (c *Config) Step(name string) *Step {
	for _, step := range c.Steps {
		if step != nil && step.Name == name {
			return step
		}
	}
	return nil
}

// ImageFor returns the effective container image for a step: the per-step
// image when set, otherwise the pipeline-wide default (may be empty).
func (c *Config) ImageFor(step *Step) string {
	if step != nil && strings.TrimSpace(step.Image) != "" {
		return strings.TrimSpace(step.Image)
	}
	return strings.TrimSpace(c.Image)
}

// Select returns the steps to execute, in pipeline order.
// only restricts the run to the named steps; from drops everything before
// the named step; skip drops the named steps. Unknown names are errors.
func (c *Config) Select(only []string, from string, skip []string) ([]*Step, error) {
	for _, name := range only {
		if c.Step(name) == nil {
			return nil, fmt.Errorf("unknown step %q", name)
		}
	}
	for _, name := range skip {
		if c.Step(name) == nil {
			return nil, fmt.Errorf("unknown step %q", name)
		}
	}
	if from != "" && c.Step(from) == nil {
		return nil, fmt.Errorf("unknown step %q", from)
	}

	onlySet := make(map[string]bool, len(only))
	for _, name := range only {
		onlySet[name] = true
	}
	skipSet := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipSet[name] = true
	}

	var out []*Step
	started := from == ""
	for _, step := range c.Steps {
		if step.Name == from {
			started = true
		}
		if !started {
			continue
		}
		if len(onlySet) > 0 && !onlySet[step.Name] {
			continue
		}
		if skipSet[step.Name] {
			continue
		}
		out = append(out, step)
	}
	if len(out) == 0 {
		return nil, errors.New("step selection matches no steps")
	}
	return out, nil
}
