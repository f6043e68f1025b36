package runctx

import "strings"

// Path addresses a slot in the run tree. The zero value is the workflow root.
type Path struct {
	segments []segment
}

type segment struct {
	kind string // jobs | strategies | stages
	id   string
}

// Root returns the workflow-level path.
func Root() Path { return Path{} }

// Job returns the path of a job slot.
func (p Path) Job(id string) Path { return p.child("jobs", id) }

// Strategy returns the path of a strategy slot under a job.
func (p Path) Strategy(key string) Path { return p.child("strategies", key) }

// Stage returns the path of a stage slot.
func (p Path) Stage(id string) Path { return p.child("stages", id) }

func (p Path) child(kind, id string) Path {
	segs := make([]segment, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return Path{segments: append(segs, segment{kind: kind, id: id})}
}

// JobID returns the id of the job the path lives under, or "".
func (p Path) JobID() string {
	if len(p.segments) > 0 && p.segments[0].kind == "jobs" {
		return p.segments[0].id
	}
	return ""
}

// Leaf returns the kind and id of the last segment.
func (p Path) Leaf() (kind, id string) {
	if len(p.segments) == 0 {
		return "", ""
	}
	last := p.segments[len(p.segments)-1]
	return last.kind, last.id
}

// String renders the path in expression syntax, e.g.
// jobs.build.strategies["mode=a,size=1"].stages.extract.
func (p Path) String() string {
	if len(p.segments) == 0 {
		return "$"
	}
	var b strings.Builder
	for i, s := range p.segments {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.kind)
		if isPlainKey(s.id) {
			b.WriteByte('.')
			b.WriteString(s.id)
		} else {
			b.WriteString(`["`)
			b.WriteString(s.id)
			b.WriteString(`"]`)
		}
	}
	return b.String()
}

func isPlainKey(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
