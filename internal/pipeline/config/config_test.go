package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, ".aquaprep", "pipeline.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigHappyPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
workdir: ${{ env.SCRATCH }}/aquaplanet
image: ghcr.io/example/cbrain-env:latest
vars:
  - source: OMP_NUM_THREADS
steps:
  - name: preprocess-train
    run: >-
      python preprocess_aqua.py -c pp_config/full.yml
      --in_dir ${{ conf.WORKDIR }}/AndKua_aqua_1
      --out_pref train_month01
    inputs:
      - AndKua_aqua_1/*.nc
    outputs:
      - preprocessed/train_month01.nc
    timeout: 2h
  - name: shuffle-train
    run: [python, shuffle_ds.py, --pref, "${{ conf.WORKDIR }}/preprocessed/train_month01"]
    env:
      PYTHONUNBUFFERED: "1"
`)

	env := map[string]string{"SCRATCH": "/scratch/tg1234"}
	cfg, err := Load(path, env, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/scratch/tg1234/aquaplanet", cfg.Workdir)
	assert.Equal(t, "ghcr.io/example/cbrain-env:latest", cfg.Image)
	require.Len(t, cfg.Steps, 2)

	train := cfg.Step("preprocess-train")
	require.NotNil(t, train)
	assert.Equal(t, "python", train.Run[0])
	assert.Contains(t, train.Run, "/scratch/tg1234/aquaplanet/AndKua_aqua_1")
	assert.Equal(t, 2*time.Hour, train.TimeoutDuration())

	shuffle := cfg.Step("shuffle-train")
	require.NotNil(t, shuffle)
	assert.Equal(t, []string{
		"python", "shuffle_ds.py", "--pref",
		"/scratch/tg1234/aquaplanet/preprocessed/train_month01",
	}, []string(shuffle.Run))
	assert.Equal(t, "1", shuffle.Env["PYTHONUNBUFFERED"])
}

func TestLoadConfigTemplateVars(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
workdir: ${{ vars.DATA }}
steps:
  - name: shuffle
    run: python shuffle_ds.py --pref ${{ conf.WORKDIR }}/train
`)
	cfg, err := Load(path, map[string]string{}, map[string]string{"DATA": "/data"})
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "shuffle_ds.py", "--pref", "/data/train"}, []string(cfg.Step("shuffle").Run))
}

func TestLoadConfigMissingEnvTemplate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
workdir: ${{ env.NOT_A_REAL_VAR }}
steps:
  - name: shuffle
    run: python shuffle_ds.py
`)
	_, err := Load(path, map[string]string{}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_A_REAL_VAR")
}

func TestLoadConfigRejectsWrongType(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: something-else
version: 1
steps:
  - name: a
    run: echo ok
`)
	_, err := Load(path, map[string]string{}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config type")
}

func TestLoadConfigRejectsDuplicateStep(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
steps:
  - name: preprocess
    run: echo one
  - name: preprocess
    run: echo two
`)
	_, err := Load(path, map[string]string{}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestLoadConfigRejectsMissingRun(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
steps:
  - name: preprocess
    inputs: ["*.nc"]
`)
	_, err := Load(path, map[string]string{}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing run command")
}

func TestLoadConfigRejectsBadPattern(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
steps:
  - name: preprocess
    run: echo ok
    inputs: ["[unclosed"]
`)
	_, err := Load(path, map[string]string{}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestLoadConfigRejectsBadTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
steps:
  - name: preprocess
    run: echo ok
    timeout: soon
`)
	_, err := Load(path, map[string]string{}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestImageFor(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
image: ghcr.io/example/default:1
steps:
  - name: a
    run: echo a
  - name: b
    run: echo b
    image: ghcr.io/example/override:2
`)
	cfg, err := Load(path, map[string]string{}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/example/default:1", cfg.ImageFor(cfg.Step("a")))
	assert.Equal(t, "ghcr.io/example/override:2", cfg.ImageFor(cfg.Step("b")))
}

func TestSelect(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
steps:
  - name: preprocess-train
    run: echo one
  - name: preprocess-valid
    run: echo two
  - name: shuffle-train
    run: echo three
`)
	cfg, err := Load(path, map[string]string{}, map[string]string{})
	require.NoError(t, err)

	names := func(steps []*Step) []string {
		var out []string
		for _, s := range steps {
			out = append(out, s.Name)
		}
		return out
	}

	all, err := cfg.Select(nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"preprocess-train", "preprocess-valid", "shuffle-train"}, names(all))

	fromValid, err := cfg.Select(nil, "preprocess-valid", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"preprocess-valid", "shuffle-train"}, names(fromValid))

	only, err := cfg.Select([]string{"shuffle-train"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"shuffle-train"}, names(only))

	skipped, err := cfg.Select(nil, "", []string{"preprocess-valid"})
	require.NoError(t, err)
	assert.Equal(t, []string{"preprocess-train", "shuffle-train"}, names(skipped))

	_, err = cfg.Select([]string{"nope"}, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")

	_, err = cfg.Select([]string{"preprocess-train"}, "", []string{"preprocess-train"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches no steps")
}

func TestLoadOrDefaultFallsBackToEmbedded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".aquaprep", "pipeline.yaml")

	cfg, usedDefault, err := LoadOrDefault(path, map[string]string{"HOME": "/home/aqua"}, nil)
	require.NoError(t, err)
	assert.True(t, usedDefault)
	require.Len(t, cfg.Steps, 3)
	assert.Equal(t, "/home/aqua/cbrain/aquaplanet", cfg.Workdir)
	assert.NotNil(t, cfg.Step("preprocess-train"))
	assert.NotNil(t, cfg.Step("preprocess-valid"))
	assert.NotNil(t, cfg.Step("shuffle-train"))

	// The validation pass feeds the train norm file into preprocess_aqua.py.
	valid := cfg.Step("preprocess-valid")
	assert.Contains(t, valid.Run, "--ext_norm")
}

func TestLoadOrDefaultPrefersExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: aquaprep-pipeline
version: 1
steps:
  - name: only
    run: echo here
`)
	cfg, usedDefault, err := LoadOrDefault(path, map[string]string{}, nil)
	require.NoError(t, err)
	assert.False(t, usedDefault)
	require.Len(t, cfg.Steps, 1)
	assert.Equal(t, "only", cfg.Steps[0].Name)
}
