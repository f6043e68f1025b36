package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/jobflow/pkg/schema"
)

// validateDAG runs Kahn's algorithm over the job needs graph. Jobs left
// unvisited sit on or behind a cycle.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// reverse[id] = dependents of job id.
	inDegree := make(map[string]int, len(def.Jobs))
	reverse := make(map[string][]string, len(def.Jobs))

	for id, job := range def.Jobs {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		if job == nil {
			continue
		}
		seen := make(map[string]bool, len(job.Needs))
		for _, need := range job.Needs {
			if def.Jobs[need] == nil || seen[need] {
				continue // invalid refs already caught by semantic
			}
			seen[need] = true
			inDegree[id]++
			reverse[need] = append(reverse[need], id)
		}
	}

	queue := make([]string, 0, len(def.Jobs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(inDegree))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited[node] = true
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(visited) != len(inDegree) {
		var stuck []string
		for id := range inDegree {
			if !visited[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("jobs", schema.ErrCodeDependencyCycle,
			fmt.Sprintf("dependency cycle among jobs: %s", strings.Join(stuck, ", ")))
	}
	return result
}
