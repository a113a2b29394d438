package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/term"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/climsim/aquaprep/internal/pipeline"
)

// stopGracePeriod bounds how long a cancelled step's container gets to shut
// down before the daemon kills it.
const stopGracePeriod = 5 * time.Second

// Executor runs pipeline steps in containers.
type Executor struct {
	docker *client.Client
	log    *zap.Logger
}

// NewExecutor connects to the container daemon.
func NewExecutor(log *zap.Logger) (*Executor, error) {
	cli, err := NewClient()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{docker: cli, log: log}, nil
}

// Close releases the daemon connection.
func (e *Executor) Close() error {
	if e.docker != nil {
		return e.docker.Close()
	}
	return nil
}

// Execute runs one step in a fresh auto-removed container. The workdir is
// bind-mounted at its host path, the container runs as the host user, and
// the step's exit status is returned the same way the local executor
// reports it.
func (e *Executor) Execute(ctx context.Context, spec pipeline.ExecSpec) (pipeline.ExecResult, error) {
	if spec.Image == "" {
		return pipeline.ExecResult{}, errors.New("no container image specified")
	}
	if len(spec.Argv) == 0 {
		return pipeline.ExecResult{}, errors.New("empty command")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	if err := e.ensureImage(execCtx, spec.Image); err != nil {
		return pipeline.ExecResult{}, err
	}

	mountBuilder, err := NewMountBuilder(spec.Workdir, spec.WritableDirs)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("configure mounts: %w", err)
	}

	useTTY := isTerminalWriter(spec.Stdout)
	uid, gid := hostUserIDs()

	cfg := &dockercontainer.Config{
		Image:        spec.Image,
		Cmd:          spec.Argv,
		WorkingDir:   spec.Workdir,
		Env:          spec.Env,
		User:         uid + ":" + gid,
		Tty:          useTTY,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &dockercontainer.HostConfig{
		AutoRemove: true,
		Mounts:     mountBuilder.BuildMounts(),
	}

	resp, err := e.docker.ContainerCreate(execCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("create container: %w", err)
	}
	e.log.Debug("created step container",
		zap.String("id", resp.ID),
		zap.String("image", spec.Image),
	)

	attach, err := e.docker.ContainerAttach(execCtx, resp.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := e.docker.ContainerStart(execCtx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("start container: %w", err)
	}

	stdout := spec.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := spec.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		var copyErr error
		if useTTY {
			_, copyErr = io.Copy(stdout, attach.Reader)
		} else {
			_, copyErr = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		}
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return copyErr
		}
		return nil
	})

	waitCh, waitErrCh := e.docker.ContainerWait(execCtx, resp.ID, dockercontainer.WaitConditionNotRunning)

	var status dockercontainer.WaitResponse
	select {
	case <-execCtx.Done():
		e.stopContainer(resp.ID)
		_ = g.Wait()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return pipeline.ExecResult{}, fmt.Errorf("timed out after %s", spec.Timeout)
		}
		return pipeline.ExecResult{}, fmt.Errorf("cancelled: %w", execCtx.Err())
	case err := <-waitErrCh:
		if err != nil {
			_ = g.Wait()
			return pipeline.ExecResult{}, fmt.Errorf("wait container: %w", err)
		}
		status = <-waitCh
	case status = <-waitCh:
	}

	if err := g.Wait(); err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("stream container output: %w", err)
	}
	if status.Error != nil {
		return pipeline.ExecResult{}, errors.New(status.Error.Message)
	}
	return pipeline.ExecResult{ExitCode: int(status.StatusCode)}, nil
}

func (e *Executor) ensureImage(ctx context.Context, img string) error {
	if _, _, err := e.docker.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	e.log.Info("pulling image", zap.String("image", img))
	reader, err := e.docker.ImagePull(ctx, img, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (e *Executor) stopContainer(id string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	if err := e.docker.ContainerStop(stopCtx, id, dockercontainer.StopOptions{}); err != nil {
		e.log.Warn("failed to stop step container", zap.String("id", id), zap.Error(err))
	}
}

// isTerminalWriter reports whether w is an interactive terminal; only then
// is a TTY allocated, so piped and logged output keeps distinct
// stdout/stderr streams.
func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(f.Fd())
}
