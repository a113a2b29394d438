package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutorSuccess(t *testing.T) {
	exec := &LocalExecutor{}
	result, err := exec.Execute(context.Background(), ExecSpec{
		Argv: []string{"/bin/sh", "-c", "exit 0"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestLocalExecutorNonZeroExit(t *testing.T) {
	exec := &LocalExecutor{}
	result, err := exec.Execute(context.Background(), ExecSpec{
		Argv: []string{"/bin/sh", "-c", "exit 3"},
	})
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 3, result.ExitCode)
}

func TestLocalExecutorCapturesOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exec := &LocalExecutor{}
	result, err := exec.Execute(context.Background(), ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "echo out; echo err 1>&2"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestLocalExecutorEnvIsolation(t *testing.T) {
	t.Setenv("AQUA_LEAK_CHECK", "should-not-appear")

	var stdout bytes.Buffer
	exec := &LocalExecutor{}
	result, err := exec.Execute(context.Background(), ExecSpec{
		Argv:   []string{"/bin/sh", "-c", `printf '%s|%s' "$AQUA_FLAG" "$AQUA_LEAK_CHECK"`},
		Env:    []string{"AQUA_FLAG=on"},
		Stdout: &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "on|", stdout.String())
}

func TestLocalExecutorWorkdir(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	var stdout bytes.Buffer
	exec := &LocalExecutor{}
	_, err = exec.Execute(context.Background(), ExecSpec{
		Argv:    []string{"/bin/sh", "-c", "pwd"},
		Workdir: dir,
		Stdout:  &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, resolved, strings.TrimSpace(stdout.String()))
}

func TestLocalExecutorTimeout(t *testing.T) {
	exec := &LocalExecutor{}
	start := time.Now()
	_, err := exec.Execute(context.Background(), ExecSpec{
		Argv:    []string{"/bin/sh", "-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocalExecutorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	exec := &LocalExecutor{}
	_, err := exec.Execute(ctx, ExecSpec{
		Argv: []string{"/bin/sh", "-c", "sleep 30"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestLocalExecutorEmptyCommand(t *testing.T) {
	exec := &LocalExecutor{}
	_, err := exec.Execute(context.Background(), ExecSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty command")
}

func TestLocalExecutorMissingBinary(t *testing.T) {
	exec := &LocalExecutor{}
	_, err := exec.Execute(context.Background(), ExecSpec{
		Argv: []string{"/nonexistent/preprocess_aqua.py"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start /nonexistent/preprocess_aqua.py")
}
