package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

var imageFormats = map[string]graphviz.Format{
	"":        graphviz.PNG,
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
}

// RenderImage lays the model out with dot and returns PNG or SVG bytes.
// Each job's stages are drawn as a dashed cluster.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	gvFormat, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	d := &dotGraph{root: graph, nodes: make(map[string]*cgraph.Node)}
	for _, n := range model.Nodes {
		if err := d.addNode(graph, n); err != nil {
			return nil, err
		}
	}
	for _, n := range model.Nodes {
		if n.Stages == nil {
			continue
		}
		cluster, err := graph.CreateSubGraphByName("cluster_" + n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create cluster %s: %w", n.ID, err)
		}
		cluster.SetLabel(n.ID + " stages")
		cluster.SetStyle(cgraph.DashedGraphStyle)
		for _, s := range n.Stages.Nodes {
			if err := d.addNode(cluster, s); err != nil {
				return nil, err
			}
		}
		if err := d.addEdges(n.Stages.Edges); err != nil {
			return nil, err
		}
	}
	if err := d.addEdges(model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", gvFormat, err)
	}
	return buf.Bytes(), nil
}

// dotGraph indexes created graphviz nodes so edges can find them.
type dotGraph struct {
	root  *cgraph.Graph
	nodes map[string]*cgraph.Node
}

func (d *dotGraph) addNode(parent *cgraph.Graph, n *Node) error {
	gn, err := parent.CreateNodeByName(n.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
	}
	label := n.Label
	if n.Detail != "" {
		label += "\n" + n.Detail
	}
	gn.SetLabel(label)
	dotShape(gn, n.Kind)
	if st, ok := styleOf(n); ok {
		gn.SetStyle(cgraph.FilledNodeStyle)
		if st.dashed {
			gn.SetStyle(cgraph.DashedNodeStyle)
		}
		gn.SetFillColor(st.fill)
		gn.SetFontColor(st.font)
	}
	d.nodes[n.ID] = gn
	return nil
}

func (d *dotGraph) addEdges(edges []Edge) error {
	for _, e := range edges {
		from, to := d.nodes[e.From], d.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := d.root.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}
	return nil
}

func dotShape(gn *cgraph.Node, kind NodeKind) {
	switch kind {
	case NodeKindRemote:
		gn.SetShape(cgraph.HexagonShape)
	case NodeKindBranch:
		gn.SetShape(cgraph.DiamondShape)
	case NodeKindStage:
		gn.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	default:
		gn.SetShape(cgraph.BoxShape)
	}
}
