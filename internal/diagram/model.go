// Package diagram renders the job graph of a workflow, optionally overlaid
// with the unit states of a recorded run.
package diagram

import "github.com/rendis/jobflow/pkg/schema"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindJob    NodeKind = "job"
	NodeKindMatrix NodeKind = "matrix" // job with more than one strategy
	NodeKindRemote NodeKind = "remote" // job executed by a provider
	NodeKindStage  NodeKind = "stage"
	NodeKindBranch NodeKind = "branch" // if, group, parallel and foreach stages
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Levels lists node IDs per topological level, start and end included.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node looks up a top-level node by ID.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Node is a job, a stage or a virtual start/end marker. Detail is a short
// second line such as the strategy count of a matrix job.
type Node struct {
	ID     string
	Label  string
	Detail string
	Kind   NodeKind
	Status *StatusOverlay
	Stages *SubGraph
}

// SubGraph holds the top-level stages of a job in execution order.
type SubGraph struct {
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the recorded state of a unit.
type StatusOverlay struct {
	Status     schema.Status
	DurationMs int64
	Error      string
}

// Edge is a dependency between two nodes. Label names a non-default
// trigger rule.
type Edge struct {
	From  string
	To    string
	Label string
}
