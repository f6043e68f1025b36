package runctx

import "github.com/rendis/jobflow/pkg/schema"

// Expression roots exposed by a View.
const (
	RootParams = "params"
	RootJobs   = "jobs"
	RootStages = "stages"
	RootMatrix = "matrix"
	RootEnv    = "env"
	RootRun    = "run"
	RootItem   = "item"
	RootIndex  = "index"
)

// View is an immutable snapshot of everything a unit may read. Views are
// derived, never mutated: every With* method returns a new View that shares
// the frozen maps of its parent.
type View struct {
	path    Path
	run     map[string]any
	params  map[string]any
	jobs    map[string]any
	stages  map[string]any
	matrix  map[string]any
	env     map[string]any
	item    any
	index   int
	hasItem bool
}

// Path returns the scope the view was taken for.
func (v *View) Path() Path { return v.path }

// Data returns the root namespace map consumed by the resolver and the
// expression engines. Callers must treat it as read-only.
func (v *View) Data() map[string]any {
	data := map[string]any{
		RootRun:    v.run,
		RootParams: v.params,
		RootJobs:   v.jobs,
		RootStages: v.stages,
		RootMatrix: v.matrix,
		RootEnv:    v.env,
	}
	if v.hasItem {
		data[RootItem] = v.item
		data[RootIndex] = v.index
	}
	return data
}

// Params returns a copy of the run parameters.
func (v *View) Params() map[string]any { return schema.DeepCopyMap(v.params) }

// Env returns a copy of the environment mapping.
func (v *View) Env() map[string]any { return schema.DeepCopyMap(v.env) }

// RunID returns the id of the run the view belongs to.
func (v *View) RunID() string {
	id, _ := v.run["id"].(string)
	return id
}

func (v *View) clone() *View {
	c := *v
	return &c
}

// ForJob returns the view handed to a job controller.
func (v *View) ForJob(jobID string, env map[string]string) *View {
	c := v.clone()
	c.path = Root().Job(jobID)
	c.env = mergeEnv(v.env, env)
	c.stages = map[string]any{}
	return c
}

// ForStrategy returns the view of one strategy: the job view plus its
// matrix assignment and an empty stage namespace.
func (v *View) ForStrategy(key string, matrix map[string]any) *View {
	c := v.clone()
	c.path = v.path.Strategy(key)
	c.matrix = schema.DeepCopyMap(matrix)
	if c.matrix == nil {
		c.matrix = map[string]any{}
	}
	c.stages = map[string]any{}
	return c
}

// WithItem returns a view carrying foreach loop variables.
func (v *View) WithItem(item any, index int) *View {
	c := v.clone()
	c.item = schema.DeepCopyValue(item)
	c.index = index
	c.hasItem = true
	return c
}

func (v *View) withStages(path Path, stages map[string]any) *View {
	c := v.clone()
	c.path = path
	c.stages = stages
	return c
}

func mergeEnv(base map[string]any, extra map[string]string) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, val := range base {
		out[k] = val
	}
	for k, val := range extra {
		out[k] = val
	}
	return out
}
