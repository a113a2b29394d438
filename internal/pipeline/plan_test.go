package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climsim/aquaprep/internal/pipeline/config"
)

const planYAML = `
type: aquaprep-pipeline
version: 1
workdir: /data/aqua
vars:
  - source: SCRATCH
steps:
  - name: preprocess-train
    run: python preprocess_aqua.py train --in_dir AndKua_aqua_1
    env:
      OMP_NUM_THREADS: "8"
    inputs:
      - AndKua_aqua_1/*.nc
    outputs:
      - out/train.nc
    timeout: 2h
  - name: shuffle-train
    run: [python, shuffle_ds.py, --pref, out/train]
    image: climsim/tools:1.0
    allow_failure: true
`

func loadPlanConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0o644))
	cfg, err := config.Load(path, nil, nil)
	require.NoError(t, err)
	return cfg
}

func TestBuildPlan(t *testing.T) {
	cfg := loadPlanConfig(t)

	plan := BuildPlan(cfg, nil, "", false)
	require.Len(t, plan, 2)

	assert.Equal(t, "preprocess-train", plan[0].Name)
	assert.Equal(t, "local", plan[0].Mode())
	assert.Equal(t, []string{"OMP_NUM_THREADS", "SCRATCH"}, plan[0].EnvKeys)
	assert.Equal(t, "2h0m0s", plan[0].Timeout.String())

	assert.Equal(t, "shuffle-train", plan[1].Name)
	assert.Equal(t, "image climsim/tools:1.0", plan[1].Mode())
	assert.True(t, plan[1].AllowFailure)
}

func TestBuildPlanImageOverride(t *testing.T) {
	cfg := loadPlanConfig(t)
	plan := BuildPlan(cfg, nil, "climsim/tools:dev", false)
	require.Len(t, plan, 2)
	for _, step := range plan {
		assert.Equal(t, "image climsim/tools:dev", step.Mode())
	}
}

func TestBuildPlanForceLocal(t *testing.T) {
	cfg := loadPlanConfig(t)
	plan := BuildPlan(cfg, nil, "climsim/tools:dev", true)
	require.Len(t, plan, 2)
	for _, step := range plan {
		assert.Equal(t, "local", step.Mode())
	}
}

func TestBuildPlanSubset(t *testing.T) {
	cfg := loadPlanConfig(t)
	steps, err := cfg.Select([]string{"shuffle-train"}, "", nil)
	require.NoError(t, err)

	plan := BuildPlan(cfg, steps, "", false)
	require.Len(t, plan, 1)
	assert.Equal(t, "shuffle-train", plan[0].Name)
}

func TestRenderPlan(t *testing.T) {
	cfg := loadPlanConfig(t)
	plan := BuildPlan(cfg, nil, "", false)

	var buf bytes.Buffer
	RenderPlan(&buf, plan)

	g := goldie.New(t)
	g.Assert(t, "plan", buf.Bytes())
}
