// Package pipeline runs an ordered chain of external preprocessing tools
// with shell-style fail-fast semantics: each step starts only after every
// earlier step exited zero.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/climsim/aquaprep/internal/pipeline/config"
)

// StepError reports a step that ran and exited non-zero.
type StepError struct {
	Step     string
	ExitCode int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: exit status %d", e.Step, e.ExitCode)
}

// ContainerFactory lazily constructs the containerized executor. It is only
// invoked when a step actually needs an image, so pipelines that run
// everything locally never touch the container backend.
type ContainerFactory func() (Executor, error)

// Params configures a Runner.
type Params struct {
	Config           *config.Config
	Steps            []*config.Step // nil means every step
	Local            Executor
	ContainerFactory ContainerFactory
	Logger           *zap.Logger
	Recorder         *Recorder
	Stdout           io.Writer
	Stderr           io.Writer
	HostEnv          map[string]string
	ImageOverride    string
	ForceLocal       bool
}

// Runner executes pipeline steps strictly in order.
type Runner struct {
	cfg              *config.Config
	steps            []*config.Step
	local            Executor
	containerFactory ContainerFactory
	container        Executor
	log              *zap.Logger
	progress         *ProgressReporter
	recorder         *Recorder
	stdout           io.Writer
	stderr           io.Writer
	hostEnv          map[string]string
	imageOverride    string
	forceLocal       bool
}

// New creates a runner for the given configuration.
func New(params Params) (*Runner, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	steps := params.Steps
	if steps == nil {
		steps = params.Config.Steps
	}
	if len(steps) == 0 {
		return nil, errors.New("no steps to run")
	}

	local := params.Local
	if local == nil {
		local = &LocalExecutor{}
	}
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hostEnv := params.HostEnv
	if hostEnv == nil {
		hostEnv = HostEnvMap()
	}
	stdout := params.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := params.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return &Runner{
		cfg:              params.Config,
		steps:            steps,
		local:            local,
		containerFactory: params.ContainerFactory,
		log:              log,
		progress:         NewProgressReporter(),
		recorder:         params.Recorder,
		stdout:           stdout,
		stderr:           stderr,
		hostEnv:          hostEnv,
		imageOverride:    params.ImageOverride,
		forceLocal:       params.ForceLocal,
	}, nil
}

// OnProgress sets the progress callback.
func (r *Runner) OnProgress(cb ProgressCallback) {
	r.progress.SetCallback(cb)
}

// Close releases the container backend when one was created.
func (r *Runner) Close() error {
	if closer, ok := r.container.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// imageFor returns the effective image for a step after CLI overrides.
func (r *Runner) imageFor(step *config.Step) string {
	if r.forceLocal {
		return ""
	}
	if img := strings.TrimSpace(r.imageOverride); img != "" {
		return img
	}
	return r.cfg.ImageFor(step)
}

func (r *Runner) executorFor(image string) (Executor, error) {
	if image == "" {
		return r.local, nil
	}
	if r.container != nil {
		return r.container, nil
	}
	if r.containerFactory == nil {
		return nil, fmt.Errorf("image %q requested but no container backend is available", image)
	}
	exec, err := r.containerFactory()
	if err != nil {
		return nil, fmt.Errorf("container backend: %w", err)
	}
	r.container = exec
	return exec, nil
}

// Run executes the selected steps in order, stopping at the first failure
// unless the failing step allows it. The run record is returned (and
// persisted when a recorder is configured) even when the run fails.
func (r *Runner) Run(ctx context.Context) (*RunRecord, error) {
	rec := NewRunRecord(r.cfg.SourcePath(), r.cfg.Workdir)
	r.log.Info("starting pipeline",
		zap.String("run_id", rec.ID),
		zap.String("workdir", r.cfg.Workdir),
		zap.Int("steps", len(r.steps)),
	)

	var runErr error
	aborted := false
	for _, step := range r.steps {
		if aborted {
			rec.Steps = append(rec.Steps, StepRecord{
				Name:    step.Name,
				Command: append([]string(nil), step.Run...),
				Status:  StepSkipped,
			})
			continue
		}

		sr := r.runStep(ctx, step)
		rec.Steps = append(rec.Steps, sr)

		if sr.Status == StepOK {
			continue
		}
		if step.AllowFailure {
			r.log.Warn("step failed but is allowed to",
				zap.String("step", step.Name),
				zap.Int("exit_code", sr.ExitCode),
			)
			continue
		}
		aborted = true
		switch sr.Status {
		case StepFailed:
			if sr.Error != "" && sr.ExitCode == 0 {
				runErr = fmt.Errorf("step %q: %s", step.Name, sr.Error)
			} else {
				runErr = &StepError{Step: step.Name, ExitCode: sr.ExitCode}
			}
		case StepMissingInput:
			runErr = fmt.Errorf("step %q: %s", step.Name, sr.Error)
		}
	}

	rec.FinishedAt = time.Now().UTC()
	if runErr != nil {
		rec.Status = StepFailed
	}

	if r.recorder != nil {
		if path, err := r.recorder.Write(rec); err != nil {
			r.log.Warn("failed to write run record", zap.Error(err))
		} else {
			r.log.Info("run record written", zap.String("path", path))
		}
	}
	return rec, runErr
}

func (r *Runner) runStep(ctx context.Context, step *config.Step) StepRecord {
	sr := StepRecord{
		Name:      step.Name,
		Command:   append([]string(nil), step.Run...),
		StartedAt: time.Now().UTC(),
	}
	start := time.Now()
	finish := func(status StepStatus) StepRecord {
		sr.Status = status
		sr.Duration = time.Since(start).Round(time.Millisecond).String()
		return sr
	}

	r.progress.Report(PhaseResolving, step.Name, "resolving inputs")
	inputs, err := ResolveInputs(r.cfg.Workdir, step)
	if err != nil {
		sr.Error = err.Error()
		var missing *MissingInputError
		if errors.As(err, &missing) {
			r.log.Error("inputs missing", zap.String("step", step.Name), zap.String("pattern", missing.Pattern))
			return finish(StepMissingInput)
		}
		return finish(StepFailed)
	}

	env, err := BuildStepEnv(r.hostEnv, r.cfg.Vars, step)
	if err != nil {
		sr.Error = err.Error()
		return finish(StepFailed)
	}

	image := r.imageFor(step)
	executor, err := r.executorFor(image)
	if err != nil {
		sr.Error = err.Error()
		return finish(StepFailed)
	}

	r.progress.Report(PhaseStarting, step.Name, strings.Join(step.Run, " "))
	r.log.Info("running step",
		zap.String("step", step.Name),
		zap.Strings("command", step.Run),
		zap.Int("inputs", len(inputs)),
		zap.String("image", image),
	)

	r.progress.Report(PhaseRunning, step.Name, "")
	result, err := executor.Execute(ctx, ExecSpec{
		Argv:         step.Run,
		Workdir:      r.cfg.Workdir,
		Env:          env,
		Image:        image,
		WritableDirs: OutputDirs(r.cfg.Workdir, step),
		Timeout:      step.TimeoutDuration(),
		Stdout:       r.stdout,
		Stderr:       r.stderr,
	})
	if err != nil {
		sr.Error = err.Error()
		r.log.Error("step did not run", zap.String("step", step.Name), zap.Error(err))
		return finish(StepFailed)
	}
	sr.ExitCode = result.ExitCode
	if result.ExitCode != 0 {
		r.progress.ReportWithDuration(PhaseComplete, step.Name, "failed", start)
		return finish(StepFailed)
	}

	if missing := MissingOutputs(r.cfg.Workdir, step); len(missing) > 0 {
		r.log.Warn("declared outputs not found",
			zap.String("step", step.Name),
			zap.Strings("outputs", missing),
		)
	}
	r.progress.ReportWithDuration(PhaseComplete, step.Name, "ok", start)
	return finish(StepOK)
}
