package diagram

import "github.com/rendis/jobflow/pkg/schema"

// statusStyle is how every renderer draws one status.
type statusStyle struct {
	tag    string // ascii
	class  string // mermaid classDef name
	fill   string
	font   string
	dashed bool
}

var statusStyles = map[schema.Status]statusStyle{
	schema.StatusSuccess: {tag: "[OK]", class: "success", fill: "#2d6a2d", font: "#ffffff"},
	schema.StatusFailed:  {tag: "[FAIL]", class: "failed", fill: "#8b1a1a", font: "#ffffff"},
	schema.StatusRunning: {tag: "[RUN]", class: "running", fill: "#1a5276", font: "#ffffff"},
	schema.StatusCancel:  {tag: "[CANCEL]", class: "cancelled", fill: "#b7791a", font: "#ffffff"},
	schema.StatusPending: {tag: "[PEND]", class: "pending", fill: "#d3d3d3", font: "#000000"},
	schema.StatusSkip:    {tag: "[SKIP]", class: "skipped", fill: "#e8e8e8", font: "#888888", dashed: true},
}

// styleOrder fixes the order classDefs are written in.
var styleOrder = []schema.Status{
	schema.StatusSuccess,
	schema.StatusFailed,
	schema.StatusRunning,
	schema.StatusCancel,
	schema.StatusPending,
	schema.StatusSkip,
}

func styleOf(n *Node) (statusStyle, bool) {
	if n.Status == nil {
		return statusStyle{}, false
	}
	s, ok := statusStyles[n.Status.Status]
	return s, ok
}
