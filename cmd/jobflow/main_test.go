package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/pkg/schema"
)

const reportYAML = `
name: report
params:
  n:
    type: int
    default: 1
jobs:
  compute:
    stages:
      - id: calc
        kind: code
        run: '{"double": params.n * 2}'
  publish:
    needs: [compute]
    strategy:
      matrix:
        target: [a, b]
    stages:
      - id: say
        echo: "publishing ${{ jobs.compute.stages.calc.outputs.double }} to ${{ matrix.target }}"
`

const brokenYAML = `
name: broken
jobs:
  a:
    needs: [b]
    stages:
      - id: s
        kind: code
        run: '1'
  b:
    needs: [a]
    stages:
      - id: s
        kind: code
        run: '1'
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func execute(t *testing.T, cfg Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&cfg)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("JOBFLOW_HOME", t.TempDir())
	cfg := defaultConfig()
	cfg.Store = storeNone
	cfg.LogLevel = "error"
	return cfg
}

func TestRunCmd_JSON(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	out, err := execute(t, cfg, "run", file, "--json", "-p", "n=21", "--run-id", "r-1")
	require.NoError(t, err)

	var c schema.Context
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, "r-1", c.RunID)
	assert.Equal(t, schema.StatusSuccess, c.Status)
	assert.EqualValues(t, 42, c.Jobs["compute"].Stages["calc"].Outputs["double"])
	assert.Len(t, c.Jobs["publish"].Strategies, 2)
}

func TestRunCmd_ParameterErrorIsFatal(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	_, err := execute(t, cfg, "run", file, "-p", "n=lots")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeParameterValidation))
}

func TestRunCmd_PersistsToLibSQL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = storeLibSQL
	cfg.DBPath = filepath.Join(t.TempDir(), "runs.db")
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	_, err := execute(t, cfg, "run", file, "--run-id", "r-2")
	require.NoError(t, err)

	out, err := execute(t, cfg, "runs", "list", "--json")
	require.NoError(t, err)
	var runs []*store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r-2", runs[0].ID)
	assert.Equal(t, schema.StatusSuccess, runs[0].Status)

	out, err = execute(t, cfg, "runs", "get", "r-2", "--events", "--json")
	require.NoError(t, err)
	var timeline []*store.UnitState
	require.NoError(t, json.Unmarshal([]byte(out), &timeline))
	assert.NotEmpty(t, timeline)
}

func TestValidateCmd(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	out, err := execute(t, cfg, "validate", writeFile(t, dir, "report.yaml", reportYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "report is valid")

	out, err = execute(t, cfg, "validate", writeFile(t, dir, "broken.yaml", brokenYAML))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDependencyCycle))
	assert.Contains(t, out, schema.ErrCodeDependencyCycle)
}

func TestPlanCmd(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	out, err := execute(t, cfg, "plan", file, "--json")
	require.NoError(t, err)

	var plan planView
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, [][]string{{"compute"}, {"publish"}}, plan.Levels)
}

func TestRunsCmd_NeedsStore(t *testing.T) {
	_, err := execute(t, testConfig(t), "runs", "list")
	assert.ErrorContains(t, err, "no run store")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, testConfig(t), "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestPlanCmd_Mermaid(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	out, err := execute(t, cfg, "plan", file, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "flowchart TD")
	assert.Contains(t, out, "compute --> publish")
	assert.Contains(t, out, `publish[["publish<br/>(2 strategies)"]]`)
}

func TestPlanCmd_OverlaysStoredRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = storeLibSQL
	cfg.DBPath = filepath.Join(t.TempDir(), "runs.db")
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	_, err := execute(t, cfg, "run", file, "--run-id", "r-3")
	require.NoError(t, err)

	out, err := execute(t, cfg, "plan", file, "--format", "ascii", "--run", "r-3")
	require.NoError(t, err)
	assert.Contains(t, out, "=== report ===")
	assert.Contains(t, out, "[OK]")
}

func TestPlanCmd_ImageNeedsOutput(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	_, err := execute(t, cfg, "plan", file, "--format", "svg")
	assert.ErrorContains(t, err, "needs --output")

	target := filepath.Join(t.TempDir(), "plan.svg")
	_, err = execute(t, cfg, "plan", file, "--format", "svg", "--output", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")
}

func TestRunCmd_FollowPrintsTransitions(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "report.yaml", reportYAML)

	var out, errOut bytes.Buffer
	root := newRootCmd(&cfg)
	root.SetArgs([]string{"run", file, "--follow", "-p", "n=1"})
	root.SetOut(&out)
	root.SetErr(&errOut)
	require.NoError(t, root.ExecuteContext(context.Background()))

	feed := errOut.String()
	assert.Contains(t, feed, "job compute")
	assert.Contains(t, feed, "job publish")
	assert.Contains(t, feed, "-> SUCCESS")
	assert.Contains(t, out.String(), ": SUCCESS")
}
