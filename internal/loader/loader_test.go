package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/pkg/schema"
)

const etlYAML = `
name: etl
params:
  env:
    type: choice
    options: [dev, prod]
  batch:
    type: int
    default: 100
timeout: 30m
schedule: ["0 3 * * *"]
jobs:
  extract:
    stages:
      - id: pull
        kind: shell
        run: "echo '{\"rows\": 42}'"
  transform:
    needs: [extract]
    trigger_rule: all_done
    strategy:
      matrix:
        shard: [1, 2]
        mode: [fast]
      exclude:
        - shard: 2
      max_parallel: 2
    stages:
      - id: calc
        kind: code
        run: '{"n": matrix.shard}'
      - id: each
        kind: foreach
        items: [1, 2.5]
        stages:
          - id: echo
            echo: "item ${{ item }}"
`

const etlJSON = `{
  "name": "etl",
  "params": {
    "env": {"type": "choice", "options": ["dev", "prod"]},
    "batch": {"type": "int", "default": 100}
  },
  "timeout": "30m",
  "schedule": ["0 3 * * *"],
  "jobs": {
    "extract": {
      "stages": [{"id": "pull", "kind": "shell", "run": "echo '{\"rows\": 42}'"}]
    },
    "transform": {
      "needs": ["extract"],
      "trigger_rule": "all_done",
      "strategy": {
        "matrix": {"shard": [1, 2], "mode": ["fast"]},
        "exclude": [{"shard": 2}],
        "max_parallel": 2
      },
      "stages": [
        {"id": "calc", "kind": "code", "run": "{\"n\": matrix.shard}"},
        {"id": "each", "kind": "foreach", "items": [1, 2.5],
         "stages": [{"id": "echo", "echo": "item ${{ item }}"}]}
      ]
    }
  }
}`

func TestParse_YAML(t *testing.T) {
	wf, err := Parse([]byte(etlYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "etl", wf.Name)
	assert.Equal(t, "30m", wf.Timeout)
	assert.Equal(t, []string{"0 3 * * *"}, wf.Schedule)
	assert.Equal(t, 100, wf.Params["batch"].Default)
	assert.Equal(t, []any{"dev", "prod"}, wf.Params["env"].Options)

	tr := wf.Jobs["transform"]
	require.NotNil(t, tr)
	assert.Equal(t, "transform", tr.ID)
	assert.Equal(t, "extract", wf.Jobs["extract"].ID)
	assert.Equal(t, schema.TriggerAllDone, tr.TriggerRule)
	assert.Equal(t, []any{1, 2}, tr.Strategy.Matrix["shard"])
	assert.Equal(t, 2, tr.Strategy.Exclude[0]["shard"])
	assert.Equal(t, schema.StageKindForeach, tr.Stages[1].Kind)
	assert.Equal(t, []any{1, 2.5}, tr.Stages[1].Items)
}

func TestParse_JSONMatchesYAML(t *testing.T) {
	fromYAML, err := Parse([]byte(etlYAML), FormatYAML)
	require.NoError(t, err)
	fromJSON, err := Parse([]byte(etlJSON), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromJSON)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  a:\n    stepz: []\n"), FormatYAML)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Parse([]byte(`{"jobs": {"a": {"stepz": []}}}`), FormatJSON)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestParse_EmptyJob(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  a:\n"), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `job "a" is empty`)
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatOf("wf.JSON"))
	assert.Equal(t, FormatYAML, FormatOf("wf.yml"))
	assert.Equal(t, FormatYAML, FormatOf("wf"))
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile_DefaultsNameToBaseName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cleanup.yaml", "jobs:\n  a:\n    stages: [{id: s}]\n")

	wf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", wf.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "name: second\njobs:\n  a:\n    stages: [{id: s}]\n")
	writeFile(t, dir, "a.json", `{"name": "first", "jobs": {"a": {"stages": [{"id": "s"}]}}}`)
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	entries, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Workflow.Name)
	assert.Equal(t, "second", entries[1].Workflow.Name)
	assert.Equal(t, filepath.Join(dir, "a.json"), entries[0].Path)
}

func TestLoadDir_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: same\njobs:\n  a:\n    stages: [{id: s}]\n")
	writeFile(t, dir, "b.yaml", "name: same\njobs:\n  a:\n    stages: [{id: s}]\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"same"`)
}
