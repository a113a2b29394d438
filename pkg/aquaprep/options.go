package aquaprep

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options describes how to load and run a pipeline.
type Options struct {
	Workspace     string // directory containing .aquaprep/pipeline.yaml
	ConfigFile    string // explicit config path (overrides Workspace lookup)
	TemplateVars  map[string]string
	Only          []string
	From          string
	Skip          []string
	ImageOverride string
	ForceLocal    bool
	NoRecord      bool
	Debounce      time.Duration // watch mode settle time
	Stdout        io.Writer
	Stderr        io.Writer
	Logger        *zap.Logger
	Progress      ProgressFunc
}

// ProgressFunc receives step lifecycle updates during a run.
type ProgressFunc func(phase, step, message string)

// Option mutates Options during construction.
type Option func(*Options)

// LoadOptions initializes Options rooted at workspace and applies overrides.
func LoadOptions(workspace string, opts ...Option) (Options, error) {
	cfg := Options{
		Workspace: workspace,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := cfg.normalize(); err != nil {
		return Options{}, err
	}
	return cfg, nil
}

// WithConfigFile overrides the default .aquaprep config path.
func WithConfigFile(path string) Option {
	return func(cfg *Options) {
		cfg.ConfigFile = path
	}
}

// WithTemplateVars sets template variables for config evaluation.
func WithTemplateVars(vars map[string]string) Option {
	return func(cfg *Options) {
		cfg.TemplateVars = vars
	}
}

// WithStepSelection restricts the run to a subset of steps.
func WithStepSelection(only []string, from string, skip []string) Option {
	return func(cfg *Options) {
		cfg.Only = only
		cfg.From = from
		cfg.Skip = skip
	}
}

// WithImageOverride forces a container image for every step.
func WithImageOverride(image string) Option {
	return func(cfg *Options) {
		cfg.ImageOverride = image
	}
}

// WithForceLocal disables containerized execution.
func WithForceLocal(local bool) Option {
	return func(cfg *Options) {
		cfg.ForceLocal = local
	}
}

// WithNoRecord disables run record persistence.
func WithNoRecord(noRecord bool) Option {
	return func(cfg *Options) {
		cfg.NoRecord = noRecord
	}
}

// WithDebounce overrides the watch-mode settle time.
func WithDebounce(d time.Duration) Option {
	return func(cfg *Options) {
		cfg.Debounce = d
	}
}

// WithStdout directs tool stdout to writer.
func WithStdout(w io.Writer) Option {
	return func(cfg *Options) {
		cfg.Stdout = w
	}
}

// WithStderr directs tool stderr to writer.
func WithStderr(w io.Writer) Option {
	return func(cfg *Options) {
		cfg.Stderr = w
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(cfg *Options) {
		cfg.Logger = log
	}
}

// WithProgress sets the step progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(cfg *Options) {
		cfg.Progress = fn
	}
}

func (cfg *Options) normalize() error {
	if cfg == nil {
		return nil
	}
	if strings.TrimSpace(cfg.Workspace) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg.Workspace = wd
	}
	if strings.TrimSpace(cfg.ConfigFile) == "" {
		cfg.ConfigFile = filepath.Join(cfg.Workspace, DefaultConfigRelPath)
	}
	return nil
}
