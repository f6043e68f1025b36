package runctx

import "github.com/rendis/jobflow/pkg/schema"

// Scope accumulates the stage results of one sequential unit: a strategy or
// a nested stage group. It is owned by a single goroutine and is therefore
// not synchronized. Results are frozen (deep-copied) on commit.
type Scope struct {
	path   Path
	parent *View
	stages map[string]*schema.StageResult
	order  []string
}

// NewScope opens a scope whose children see parent plus their own committed
// siblings.
func NewScope(path Path, parent *View) *Scope {
	return &Scope{
		path:   path,
		parent: parent,
		stages: make(map[string]*schema.StageResult),
	}
}

// Path returns the scope's slot path.
func (s *Scope) Path() Path { return s.path }

// Commit freezes a stage result into its slot. A slot that already holds a
// terminal result cannot be overwritten.
func (s *Scope) Commit(stageID string, result *schema.StageResult) error {
	if result == nil {
		return schema.NewErrorf(schema.ErrCodeScopeConflict, "nil result for %s", s.path.Stage(stageID))
	}
	if prev, ok := s.stages[stageID]; ok && prev.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeScopeConflict,
			"%s is already terminal (%s)", s.path.Stage(stageID), prev.Status).WithUnit(stageID)
	}
	if _, ok := s.stages[stageID]; !ok {
		s.order = append(s.order, stageID)
	}
	s.stages[stageID] = result.Clone()
	return nil
}

// View returns the read view for the next child: everything the parent saw
// at entry, with this scope's committed stages layered over its stage root.
func (s *Scope) View() *View {
	stages := make(map[string]any, len(s.parent.stages)+len(s.stages))
	for id, v := range s.parent.stages {
		stages[id] = v
	}
	for id, r := range s.stages {
		stages[id] = r.ToMap()
	}
	return s.parent.withStages(s.path, stages)
}

// Results returns a deep copy of the committed stage results.
func (s *Scope) Results() map[string]*schema.StageResult {
	out := make(map[string]*schema.StageResult, len(s.stages))
	for id, r := range s.stages {
		out[id] = r.Clone()
	}
	return out
}

// FirstError returns the ErrorInfo of the earliest committed FAILED stage.
func (s *Scope) FirstError() *schema.ErrorInfo {
	for _, id := range s.order {
		if r := s.stages[id]; r.Status == schema.StatusFailed && r.Errors != nil {
			e := *r.Errors
			return &e
		}
	}
	return nil
}
