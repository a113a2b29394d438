package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// ExecSpec describes one fully resolved tool invocation.
type ExecSpec struct {
	Argv    []string
	Workdir string
	Env     []string // KEY=VALUE, already filtered and sorted
	Image   string   // container image; empty means host execution
	// WritableDirs are workdir-relative directories the step is allowed to
	// write when containerized. The rest of the workdir stays read-only.
	WritableDirs []string
	Timeout      time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
}

// ExecResult captures the outcome of a tool invocation.
// A non-zero exit code is reported here, not as an error; errors are
// reserved for failures to run the tool at all.
type ExecResult struct {
	ExitCode int
}

// Executor runs a single pipeline step to completion.
type Executor interface {
	Execute(ctx context.Context, spec ExecSpec) (ExecResult, error)
}

// killGracePeriod is how long a cancelled step gets between SIGTERM and SIGKILL.
const killGracePeriod = 500 * time.Millisecond

// LocalExecutor runs steps as host subprocesses.
type LocalExecutor struct{}

// Execute runs the tool with a process group so cancellation reaches the
// whole process tree.
func (e *LocalExecutor) Execute(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	if len(spec.Argv) == 0 {
		return ExecResult{}, errors.New("empty command")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Workdir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = writerOrDiscard(spec.Stdout)
	cmd.Stderr = writerOrDiscard(spec.Stderr)

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	exited := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
		case <-exited:
			return
		}
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			time.Sleep(killGracePeriod)
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}()

	waitErr := cmd.Wait()
	close(exited)

	if waitErr == nil {
		return ExecResult{ExitCode: 0}, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return ExecResult{}, fmt.Errorf("timed out after %s", spec.Timeout)
	}
	if execCtx.Err() != nil {
		return ExecResult{}, fmt.Errorf("cancelled: %w", execCtx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return ExecResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return ExecResult{}, waitErr
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return io.Discard
}
