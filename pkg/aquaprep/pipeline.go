// Package aquaprep orchestrates the aquaplanet preprocessing chain: a
// strictly sequential pipeline of external tools that stops at the first
// non-zero exit status.
package aquaprep

import (
	"context"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/climsim/aquaprep/internal/container"
	"github.com/climsim/aquaprep/internal/pipeline"
	"github.com/climsim/aquaprep/internal/pipeline/config"
)

// Pipeline provides lifecycle operations for a loaded preprocessing chain.
type Pipeline interface {
	Run(ctx context.Context) (*RunSummary, error)
	Plan(w io.Writer) error
	Watch(ctx context.Context) error
	Close() error
}

// RunSummary reports a finished (or aborted) run.
type RunSummary struct {
	RunID  string
	Failed bool
	Steps  []StepSummary
}

// StepSummary is the outcome of one step.
type StepSummary struct {
	Name     string
	Status   string
	ExitCode int
	Duration string
}

// ConfigInfo describes which pipeline definition is in effect.
type ConfigInfo struct {
	Path        string
	UsedDefault bool
	Workdir     string
	StepNames   []string
}

// Inspect loads and validates the pipeline definition without running it.
func Inspect(opts Options) (*ConfigInfo, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	cfg, usedDefault, err := config.LoadOrDefault(opts.ConfigFile, pipeline.HostEnvMap(), opts.TemplateVars)
	if err != nil {
		return nil, err
	}
	info := &ConfigInfo{
		Path:        opts.ConfigFile,
		UsedDefault: usedDefault,
		Workdir:     cfg.Workdir,
	}
	for _, step := range cfg.Steps {
		info.StepNames = append(info.StepNames, step.Name)
	}
	return info, nil
}

// NewPipeline loads the pipeline definition and prepares a runner.
func NewPipeline(opts Options) (Pipeline, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cfg, usedDefault, err := config.LoadOrDefault(opts.ConfigFile, pipeline.HostEnvMap(), opts.TemplateVars)
	if err != nil {
		return nil, err
	}
	if usedDefault {
		log.Info("no pipeline config found, using built-in aquaplanet chain",
			zap.String("path", opts.ConfigFile))
	}

	steps, err := cfg.Select(opts.Only, opts.From, opts.Skip)
	if err != nil {
		return nil, err
	}

	var recorder *pipeline.Recorder
	if !opts.NoRecord {
		recorder = pipeline.NewRecorder(filepath.Join(opts.Workspace, ConfigDirName, RunsDirName))
	}

	runner, err := pipeline.New(pipeline.Params{
		Config: cfg,
		Steps:  steps,
		ContainerFactory: func() (pipeline.Executor, error) {
			return container.NewExecutor(log)
		},
		Logger:        log,
		Recorder:      recorder,
		Stdout:        opts.Stdout,
		Stderr:        opts.Stderr,
		ImageOverride: opts.ImageOverride,
		ForceLocal:    opts.ForceLocal,
	})
	if err != nil {
		return nil, err
	}
	if opts.Progress != nil {
		fn := opts.Progress
		runner.OnProgress(func(phase pipeline.Phase, step, message string) {
			fn(string(phase), step, message)
		})
	}

	return &pipelineImpl{
		opts:   opts,
		cfg:    cfg,
		steps:  steps,
		runner: runner,
		log:    log,
	}, nil
}

type pipelineImpl struct {
	opts   Options
	cfg    *config.Config
	steps  []*config.Step
	runner *pipeline.Runner
	log    *zap.Logger
}

func (p *pipelineImpl) Run(ctx context.Context) (*RunSummary, error) {
	rec, runErr := p.runner.Run(ctx)
	summary := &RunSummary{
		RunID:  rec.ID,
		Failed: runErr != nil,
	}
	for _, sr := range rec.Steps {
		summary.Steps = append(summary.Steps, StepSummary{
			Name:     sr.Name,
			Status:   string(sr.Status),
			ExitCode: sr.ExitCode,
			Duration: sr.Duration,
		})
	}
	return summary, runErr
}

func (p *pipelineImpl) Plan(w io.Writer) error {
	plan := pipeline.BuildPlan(p.cfg, p.steps, p.opts.ImageOverride, p.opts.ForceLocal)
	pipeline.RenderPlan(w, plan)
	return nil
}

func (p *pipelineImpl) Watch(ctx context.Context) error {
	watcher := &pipeline.Watcher{
		Run: func(ctx context.Context) error {
			_, err := p.runner.Run(ctx)
			return err
		},
		Log:      p.log,
		Debounce: p.opts.Debounce,
	}
	return watcher.Watch(ctx, p.cfg.Workdir, p.steps)
}

func (p *pipelineImpl) Close() error {
	return p.runner.Close()
}
