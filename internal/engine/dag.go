package engine

import (
	"strings"

	"github.com/rendis/jobflow/pkg/schema"
)

// DAG is the job dependency graph of a workflow, built from the jobs' needs.
type DAG struct {
	Jobs    map[string]*schema.JobDefinition // job ID → definition
	Edges   map[string][]string              // job ID → needs
	Reverse map[string][]string              // job ID → dependents (who needs me)
	Sorted  []string                         // topological order
	Roots   []string                         // jobs with no needs
	Levels  [][]string                       // jobs grouped by dependency depth
}

// ParseDAG builds the job graph of a workflow. It validates that every need
// names a declared job, performs topological sorting using Kahn's algorithm
// and fails with DependencyCycleError when the needs graph is not acyclic.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Jobs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no jobs")
	}

	dag := &DAG{
		Jobs:    make(map[string]*schema.JobDefinition, len(def.Jobs)),
		Edges:   make(map[string][]string, len(def.Jobs)),
		Reverse: make(map[string][]string, len(def.Jobs)),
	}

	for id, job := range def.Jobs {
		if id == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "job with empty ID")
		}
		if job == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %s has no definition", id)
		}
		if job.ID != id {
			c := *job
			c.ID = id
			job = &c
		}
		if !ValidTriggerRule(job.TriggerRule) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %s has unknown trigger rule %q", id, job.TriggerRule).WithUnit(id)
		}
		dag.Jobs[id] = job
	}

	for id, job := range dag.Jobs {
		seen := make(map[string]bool, len(job.Needs))
		deps := make([]string, 0, len(job.Needs))
		for _, dep := range job.Needs {
			if _, exists := dag.Jobs[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %s needs non-existent job: %s", id, dep).WithUnit(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeDependencyCycle, "job %s needs itself", id).WithUnit(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %s has duplicate need: %s", id, dep).WithUnit(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}
	for id := range dag.Reverse {
		sortStrings(dag.Reverse[id])
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Jobs))
	for id := range dag.Jobs {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Jobs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Jobs) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sortStrings(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeDependencyCycle,
			"job needs contain a cycle through: %s", strings.Join(stuck, ", ")).
			WithDetails(map[string]any{"jobs": stuck})
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// computeLevels groups jobs by dependency depth. Jobs at the same level
// have all their needs satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Jobs))

	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}
	for _, l := range levels {
		sortStrings(l)
	}
	return levels
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
