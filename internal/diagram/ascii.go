package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const asciiGap = "  "

// RenderASCII draws one row of boxes per topological level, followed by
// each job's stage chain.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var row []box
		for _, id := range level {
			if n := model.Node(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 && len(row) > 0 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	for _, n := range model.Nodes {
		if n.Stages == nil {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s stages ---\n", n.ID)
		for _, s := range n.Stages.Nodes {
			line := "  " + s.Label
			if st, ok := styleOf(s); ok {
				line += " " + st.tag
			}
			b.WriteString(line + "\n")
		}
		for _, e := range n.Stages.Edges {
			fmt.Fprintf(&b, "  %s ─→ %s\n", stageName(n.ID, e.From), stageName(n.ID, e.To))
		}
	}
	return b.String()
}

// box is a node drawn as bordered lines of equal display width.
type box struct {
	lines []string
	width int
}

func newBox(n *Node) box {
	content := []string{n.Label}
	if n.Detail != "" {
		content = append(content, n.Detail)
	}
	if st, ok := styleOf(n); ok {
		content = append(content, st.tag)
	}
	if n.Status != nil && n.Status.DurationMs > 0 {
		content = append(content, fmt.Sprintf("%dms", n.Status.DurationMs))
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	bx := box{width: inner + 4}
	bx.lines = append(bx.lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, c := range content {
		pad := inner - utf8.RuneCountInString(c)
		bx.lines = append(bx.lines, "│ "+c+strings.Repeat(" ", pad)+" │")
	}
	bx.lines = append(bx.lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return bx
}

// writeRow prints boxes side by side, padding shorter boxes with blanks.
func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for line := range height {
		parts := make([]string, len(row))
		for i, bx := range row {
			if line < len(bx.lines) {
				parts[i] = bx.lines[line]
			} else {
				parts[i] = strings.Repeat(" ", bx.width)
			}
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, asciiGap), " "))
		b.WriteByte('\n')
	}
}

// stageName strips the job prefix from a qualified stage ID.
func stageName(jobID, id string) string {
	return strings.TrimPrefix(id, jobID+".")
}
