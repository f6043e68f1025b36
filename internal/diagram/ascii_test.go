package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "=== ETL Pipeline ===")

	assert.Contains(t, output, "\u250c") // ┌
	assert.Contains(t, output, "\u2518") // ┘
	assert.Contains(t, output, "\u2502") // │

	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "End")
	assert.Contains(t, output, "fetch")
	assert.Contains(t, output, "--- transform stages ---")
	assert.Contains(t, output, "calc (code)")
	assert.Contains(t, output, "calc \u2500\u2192 check")
}

func TestRenderASCIIMatrixLabel(t *testing.T) {
	model, err := Build(fanOutWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "(2 strategies)")
	assert.Contains(t, output, "(on amqp)")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "job-a", Kind: NodeKindJob, Status: &StatusOverlay{Status: schema.StatusSuccess, DurationMs: 100}},
			{ID: "b", Label: "job-b", Kind: NodeKindJob, Status: &StatusOverlay{Status: schema.StatusFailed}},
			{ID: "c", Label: "job-c", Kind: NodeKindJob, Status: &StatusOverlay{Status: schema.StatusRunning}},
			{ID: "d", Label: "job-d", Kind: NodeKindJob, Status: &StatusOverlay{Status: schema.StatusCancel}},
			{ID: "e", Label: "job-e", Kind: NodeKindJob, Status: &StatusOverlay{Status: schema.StatusSkip}},
			{ID: "f", Label: "job-f", Kind: NodeKindJob, Status: &StatusOverlay{Status: schema.StatusPending}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e", "f"}, {"end"}},
	}

	output := RenderASCII(model)

	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[RUN]")
	assert.Contains(t, output, "[CANCEL]")
	assert.Contains(t, output, "[SKIP]")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "100ms")
}

func TestBoxPadsToWidestLine(t *testing.T) {
	bx := newBox(&Node{ID: "b", Label: "build", Detail: "(2 strategies)", Kind: NodeKindMatrix})
	require.Len(t, bx.lines, 4)
	assert.Equal(t, "│ build          │", bx.lines[1])
	assert.Equal(t, "│ (2 strategies) │", bx.lines[2])
	assert.Equal(t, len("(2 strategies)")+4, bx.width)
}

func TestStageName(t *testing.T) {
	assert.Equal(t, "calc", stageName("transform", "transform.calc"))
	assert.Equal(t, "v1.calc", stageName("build.v1", "build.v1.v1.calc"))
}
