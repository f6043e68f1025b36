package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/jobflow/pkg/schema"
)

// Combination is one concrete assignment of a job's matrix axes.
type Combination struct {
	Key    string
	Matrix map[string]any
}

// ExpandMatrix returns the strategies of a job: the cartesian product of the
// matrix axes minus excluded combinations, plus included ones. The order is
// deterministic. A nil or empty strategy yields a single empty combination.
func ExpandMatrix(def *schema.StrategyDefinition) []Combination {
	if def == nil || (len(def.Matrix) == 0 && len(def.Include) == 0) {
		return []Combination{{Key: "", Matrix: map[string]any{}}}
	}

	axes := make([]string, 0, len(def.Matrix))
	for name := range def.Matrix {
		axes = append(axes, name)
	}
	sort.Strings(axes)

	var product []map[string]any
	if len(axes) > 0 {
		product = []map[string]any{{}}
		for _, axis := range axes {
			values := def.Matrix[axis]
			next := make([]map[string]any, 0, len(product)*len(values))
			for _, partial := range product {
				for _, v := range values {
					combo := make(map[string]any, len(partial)+1)
					for k, pv := range partial {
						combo[k] = pv
					}
					combo[axis] = v
					next = append(next, combo)
				}
			}
			product = next
		}
	}

	out := make([]Combination, 0, len(product)+len(def.Include))
	seen := make(map[string]bool, len(product)+len(def.Include))
	for _, combo := range product {
		if excluded(combo, def.Exclude) {
			continue
		}
		key := StrategyKey(combo)
		seen[key] = true
		out = append(out, Combination{Key: key, Matrix: combo})
	}
	for _, inc := range def.Include {
		combo := schema.DeepCopyMap(inc)
		if combo == nil {
			continue
		}
		key := StrategyKey(combo)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Combination{Key: key, Matrix: combo})
	}
	return out
}

// StrategyKey renders a matrix assignment as "axis=value" pairs joined by
// commas, axes sorted by name.
func StrategyKey(matrix map[string]any) string {
	names := make([]string, 0, len(matrix))
	for name := range matrix {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", name, matrix[name])
	}
	return b.String()
}

// excluded reports whether every axis of some exclude entry matches combo.
func excluded(combo map[string]any, excludes []map[string]any) bool {
	for _, ex := range excludes {
		if len(ex) == 0 {
			continue
		}
		match := true
		for axis, want := range ex {
			got, ok := combo[axis]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
