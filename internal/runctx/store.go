// Package runctx holds the run-scoped Context: the hierarchical store of
// parameters and unit results threaded through a workflow run.
//
// Ownership follows the run tree. The workflow engine owns the Store and is
// the only caller of Commit for job slots; every lower unit accumulates its
// children's results in its own Scope and hands a finished result upward.
// Reads always go through Views, which are frozen snapshots.
package runctx

import (
	"sync"
	"time"

	"github.com/rendis/jobflow/pkg/schema"
)

// Store is the whole-run Context. It is safe for concurrent use so that
// observers can take snapshots while the run progresses.
type Store struct {
	mu          sync.RWMutex
	runID       string
	workflow    string
	params      map[string]any
	env         map[string]any
	startedAt   time.Time
	completedAt *time.Time
	jobs        map[string]*schema.JobResult
	status      schema.Status
	errors      *schema.ErrorInfo
}

// New creates the Context of a run. params must already be validated; they
// are frozen and never change afterwards.
func New(runID, workflow string, params map[string]any, env map[string]string, startedAt time.Time) *Store {
	frozenEnv := make(map[string]any, len(env))
	for k, v := range env {
		frozenEnv[k] = v
	}
	p := schema.DeepCopyMap(params)
	if p == nil {
		p = map[string]any{}
	}
	return &Store{
		runID:     runID,
		workflow:  workflow,
		params:    p,
		env:       frozenEnv,
		startedAt: startedAt,
		jobs:      make(map[string]*schema.JobResult),
		status:    schema.StatusPending,
	}
}

// RunID returns the run identifier.
func (s *Store) RunID() string { return s.runID }

// ViewFor returns a read view for the given scope. Only terminal job results
// are visible, so concurrently running siblings are never observed.
func (s *Store) ViewFor(path Path) *View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make(map[string]any, len(s.jobs))
	for id, r := range s.jobs {
		if r.Status.IsTerminal() {
			jobs[id] = r.ToMap()
		}
	}
	return &View{
		path: path,
		run: map[string]any{
			"id":         s.runID,
			"workflow":   s.workflow,
			"started_at": s.startedAt,
		},
		params: s.params,
		jobs:   jobs,
		stages: map[string]any{},
		matrix: map[string]any{},
		env:    s.env,
	}
}

// Commit writes a job result into its slot. It is the only mutator of job
// slots and fails with ScopeConflictError when the slot is already terminal.
func (s *Store) Commit(path Path, result *schema.JobResult) error {
	kind, id := path.Leaf()
	if kind != "jobs" || len(path.segments) != 1 {
		return schema.NewErrorf(schema.ErrCodeScopeConflict,
			"store only accepts job slots, got %s", path)
	}
	if result == nil {
		return schema.NewErrorf(schema.ErrCodeScopeConflict, "nil result for %s", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.jobs[id]; ok && prev.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeScopeConflict,
			"%s is already terminal (%s)", path, prev.Status).WithUnit(id)
	}
	s.jobs[id] = result.Clone()
	return nil
}

// JobStatus returns the status of a job slot; PENDING when nothing was committed.
func (s *Store) JobStatus(id string) schema.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.jobs[id]; ok {
		return r.Status
	}
	return schema.StatusPending
}

// SetRunning marks the workflow as started.
func (s *Store) SetRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeScopeConflict, "workflow is already terminal (%s)", s.status)
	}
	s.status = schema.StatusRunning
	return nil
}

// Finish records the workflow's terminal status. Like Commit it refuses to
// overwrite a terminal status.
func (s *Store) Finish(status schema.Status, errInfo *schema.ErrorInfo, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeScopeConflict, "workflow is already terminal (%s)", s.status)
	}
	s.status = status
	s.errors = errInfo
	s.completedAt = &at
	return nil
}

// Snapshot returns a deep copy of the current Context. Mid-run snapshots are
// allowed; the returned value is detached from the store.
func (s *Store) Snapshot() *schema.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &schema.Context{
		RunID:     s.runID,
		Workflow:  s.workflow,
		Params:    s.params,
		Jobs:      s.jobs,
		Status:    s.status,
		Errors:    s.errors,
		StartedAt: s.startedAt,
	}
	c.CompletedAt = s.completedAt
	return c.Clone()
}
