package diagram

import (
	"fmt"

	"github.com/rendis/jobflow/internal/engine"
	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a WorkflowDefinition and optional unit
// states replayed from a run's event log. Job topology comes from
// engine.ParseDAG; every job with stages gets them as a SubGraph.
func Build(def *schema.WorkflowDefinition, states []*store.UnitState) (*DiagramModel, error) {
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	jobStates := make(map[string]*store.UnitState, len(states))
	for _, s := range states {
		if s.Kind == schema.UnitJob {
			jobStates[s.UnitID] = s
		}
	}

	nodes := make([]*Node, 0, len(dag.Jobs)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		job := dag.Jobs[id]
		node := jobToNode(id, job)
		if s, ok := jobStates[id]; ok {
			node.Status = overlay(s)
		}
		node.Stages = stageGraph(id, job.Stages)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

func jobToNode(id string, job *schema.JobDefinition) *Node {
	n := &Node{ID: id, Label: id, Kind: NodeKindJob}
	if job.Strategy != nil {
		if count := len(engine.ExpandMatrix(job.Strategy)); count > 1 {
			n.Kind = NodeKindMatrix
			n.Detail = fmt.Sprintf("(%d strategies)", count)
		}
	}
	if !job.RunsOn.IsLocal() {
		n.Kind = NodeKindRemote
		n.Detail = fmt.Sprintf("(on %s)", job.RunsOn.Type)
	}
	return n
}

func overlay(s *store.UnitState) *StatusOverlay {
	o := &StatusOverlay{Status: s.Status, DurationMs: s.DurationMs}
	if s.Error != nil {
		o.Error = s.Error.Name + ": " + s.Error.Message
	}
	return o
}

// stageGraph chains a job's top-level stages in execution order. Sub-stage
// IDs are qualified as jobID.stageID.
func stageGraph(jobID string, stages []schema.StageDefinition) *SubGraph {
	if len(stages) == 0 {
		return nil
	}
	sg := &SubGraph{}
	prev := ""
	for i := range stages {
		st := &stages[i]
		qid := jobID + "." + st.ID
		sg.Nodes = append(sg.Nodes, &Node{ID: qid, Label: stageLabel(st), Kind: stageKind(st)})
		if prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: qid})
		}
		prev = qid
	}
	return sg
}

func stageKind(st *schema.StageDefinition) NodeKind {
	switch st.EffectiveKind() {
	case schema.StageKindGroup, schema.StageKindParallel, schema.StageKindIf, schema.StageKindForeach:
		return NodeKindBranch
	default:
		return NodeKindStage
	}
}

func stageLabel(st *schema.StageDefinition) string {
	label := st.ID
	if st.Name != "" {
		label = st.Name
	}
	return fmt.Sprintf("%s (%s)", label, st.EffectiveKind())
}

// buildEdges turns the needs graph into dependency → dependent edges and
// adds the virtual start and end edges.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: startID, To: root})
	}
	for _, id := range dag.Sorted {
		job := dag.Jobs[id]
		for _, dep := range dag.Edges[id] {
			e := Edge{From: dep, To: id}
			if rule := job.TriggerRule; rule != "" && rule != schema.TriggerAllSuccess {
				e.Label = string(rule)
			}
			edges = append(edges, e)
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

// buildLevels wraps DAG levels with virtual start/end levels.
func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Workflow"
}
