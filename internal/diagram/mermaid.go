package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Nodes with a
// status overlay carry a `:::class` suffix bound to a classDef.
func RenderMermaid(model *DiagramModel) string {
	w := &mermaidWriter{}
	w.printf(0, "flowchart TD")
	if model.Title != "" {
		w.printf(1, "%%%% %s", model.Title)
	}

	for _, n := range model.Nodes {
		w.node(1, n)
	}
	for _, n := range model.Nodes {
		if n.Stages == nil {
			continue
		}
		w.printf(1, "subgraph %s_stages[%q]", mermaidID(n.ID), n.ID+" stages")
		w.printf(2, "direction LR")
		for _, s := range n.Stages.Nodes {
			w.node(2, s)
		}
		for _, e := range n.Stages.Edges {
			w.edge(2, e)
		}
		w.printf(1, "end")
	}
	for _, e := range model.Edges {
		w.edge(1, e)
	}

	w.b.WriteByte('\n')
	for _, st := range styleOrder {
		s := statusStyles[st]
		def := fmt.Sprintf("classDef %s fill:%s,color:%s", s.class, s.fill, s.font)
		if s.dashed {
			def += ",stroke-dasharray:5 5"
		}
		w.printf(1, "%s", def)
	}
	return w.b.String()
}

type mermaidWriter struct {
	b strings.Builder
}

func (w *mermaidWriter) printf(indent int, format string, args ...any) {
	w.b.WriteString(strings.Repeat("    ", indent))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *mermaidWriter) node(indent int, n *Node) {
	label := mermaidLabel(n.Label)
	if n.Detail != "" {
		label += "<br/>" + mermaidLabel(n.Detail)
	}
	lb, rb := mermaidShape(n.Kind)
	line := fmt.Sprintf(`%s%s"%s"%s`, mermaidID(n.ID), lb, label, rb)
	if s, ok := styleOf(n); ok {
		line += ":::" + s.class
	}
	w.printf(indent, "%s", line)
}

func (w *mermaidWriter) edge(indent int, e Edge) {
	if e.Label != "" {
		w.printf(indent, "%s -->|%s| %s", mermaidID(e.From), e.Label, mermaidID(e.To))
		return
	}
	w.printf(indent, "%s --> %s", mermaidID(e.From), mermaidID(e.To))
}

func mermaidShape(kind NodeKind) (string, string) {
	switch kind {
	case NodeKindMatrix:
		return "[[", "]]"
	case NodeKindRemote:
		return "{{", "}}"
	case NodeKindBranch:
		return "{", "}"
	case NodeKindStage:
		return "([", "])"
	case NodeKindStart, NodeKindEnd:
		return "((", "))"
	default:
		return "[", "]"
	}
}

// mermaidID maps a node ID onto the identifier charset Mermaid accepts.
func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

// mermaidLabel swaps double quotes, which end a Mermaid label, for single ones.
func mermaidLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}
