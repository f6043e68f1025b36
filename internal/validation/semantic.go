package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/jobflow/internal/expressions"
	"github.com/rendis/jobflow/pkg/schema"
)

// ProviderLookup reports whether a runs_on type has a registered provider.
type ProviderLookup interface {
	Has(name string) bool
}

// GuardChecker compiles CEL guards without evaluating them.
type GuardChecker interface {
	Check(expression string) error
}

type semanticChecker struct {
	providers ProviderLookup
	guards    GuardChecker
	result    *schema.ValidationResult
}

// validateSemantic performs the checks JSON Schema cannot express: job and
// stage references, kind-specific required fields, guard compilation,
// durations, parameter defaults and cron schedules.
func validateSemantic(def *schema.WorkflowDefinition, providers ProviderLookup, guards GuardChecker) *schema.ValidationResult {
	c := &semanticChecker{providers: providers, guards: guards, result: &schema.ValidationResult{}}

	c.duration("timeout", def.Timeout)
	c.params(def.Params)
	c.schedules(def.Schedule)

	ids := make([]string, 0, len(def.Jobs))
	for id := range def.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.job(def, id, def.Jobs[id])
	}
	return c.result
}

func (c *semanticChecker) params(decls map[string]schema.ParamDefinition) {
	names := make([]string, 0, len(decls))
	for n := range decls {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		d := decls[name]
		path := "params." + name
		if d.Type == schema.ParamTypeChoice && len(d.Options) == 0 {
			c.result.AddError(path+".options", schema.ErrCodeValidation, "choice parameter declares no options")
			continue
		}
		if d.Type != schema.ParamTypeChoice && len(d.Options) > 0 {
			c.result.AddWarning(path+".options", schema.ErrCodeValidation,
				fmt.Sprintf("options are ignored for %s parameters", d.Type))
		}
		if d.Default != nil {
			if _, err := CastParam(d, d.Default); err != nil {
				c.result.AddError(path+".default", schema.ErrCodeParameterValidation, err.Error())
			}
			if d.Required {
				c.result.AddWarning(path+".required", schema.ErrCodeValidation,
					"required parameter with a default is never missing")
			}
		}
	}
}

func (c *semanticChecker) schedules(specs []string) {
	for i, spec := range specs {
		if _, err := cron.ParseStandard(spec); err != nil {
			c.result.AddError(fmt.Sprintf("schedule[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", spec, err))
		}
	}
}

func (c *semanticChecker) job(def *schema.WorkflowDefinition, id string, job *schema.JobDefinition) {
	path := "jobs." + id
	if job == nil {
		c.result.AddError(path, schema.ErrCodeValidation, "job is empty")
		return
	}
	if job.ID != "" && job.ID != id {
		c.result.AddError(path+".id", schema.ErrCodeValidation,
			fmt.Sprintf("id %q does not match the jobs key %q", job.ID, id))
	}

	seen := make(map[string]bool, len(job.Needs))
	for i, need := range job.Needs {
		p := fmt.Sprintf("%s.needs[%d]", path, i)
		switch {
		case need == id:
			c.result.AddError(p, schema.ErrCodeDependencyCycle, fmt.Sprintf("job %q needs itself", id))
		case def.Jobs[need] == nil:
			c.result.AddError(p, schema.ErrCodeValidation, fmt.Sprintf("references non-existent job %q", need))
		case seen[need]:
			c.result.AddWarning(p, schema.ErrCodeValidation, fmt.Sprintf("job %q is listed twice", need))
		}
		seen[need] = true
	}
	if job.TriggerRule != "" && len(job.Needs) == 0 {
		c.result.AddWarning(path+".trigger_rule", schema.ErrCodeValidation, "trigger_rule has no effect without needs")
	}

	c.guard(path+".if", job.If)
	c.duration(path+".timeout", job.Timeout)

	if !job.RunsOn.IsLocal() {
		if c.providers != nil && !c.providers.Has(job.RunsOn.Type) {
			c.result.AddError(path+".runs_on.type", schema.ErrCodeProviderFault,
				fmt.Sprintf("no provider registered for runs_on type %q", job.RunsOn.Type))
		}
	} else if job.Timeout != "" {
		c.result.AddWarning(path+".timeout", schema.ErrCodeValidation, "timeout only applies to remote providers")
	}

	if job.Strategy != nil {
		c.strategy(path+".strategy", job.Strategy)
	}

	if len(job.Stages) == 0 {
		c.result.AddWarning(path+".stages", schema.ErrCodeValidation, "job has no stages")
	}
	c.stages(path+".stages", job.Stages)
}

func (c *semanticChecker) strategy(path string, s *schema.StrategyDefinition) {
	if len(s.Matrix) == 0 && len(s.Include) == 0 {
		c.result.AddWarning(path, schema.ErrCodeValidation, "strategy declares neither matrix nor include")
	}
	for i, ex := range s.Exclude {
		for axis := range ex {
			if _, ok := s.Matrix[axis]; !ok {
				c.result.AddWarning(fmt.Sprintf("%s.exclude[%d].%s", path, i, axis), schema.ErrCodeValidation,
					fmt.Sprintf("exclude names unknown matrix axis %q", axis))
			}
		}
	}
}

func (c *semanticChecker) stages(path string, defs []schema.StageDefinition) {
	seen := make(map[string]bool, len(defs))
	for i := range defs {
		st := &defs[i]
		p := fmt.Sprintf("%s[%d]", path, i)
		if st.ID == "" {
			c.result.AddError(p+".id", schema.ErrCodeValidation, "stage id is empty")
		} else if seen[st.ID] {
			c.result.AddError(p+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate stage id %q", st.ID))
		}
		seen[st.ID] = true
		c.stage(p, st)
	}
}

func (c *semanticChecker) stage(path string, st *schema.StageDefinition) {
	c.guard(path+".if", st.If)
	c.duration(path+".timeout", st.Timeout)

	kind := st.EffectiveKind()
	switch kind {
	case schema.StageKindEmpty:
		if st.Sleep != "" && !expressions.HasTemplate(st.Sleep) {
			if d, err := time.ParseDuration(st.Sleep); err != nil || d < 0 {
				c.result.AddError(path+".sleep", schema.ErrCodeValidation, fmt.Sprintf("invalid sleep %q", st.Sleep))
			}
		}
	case schema.StageKindShell, schema.StageKindCode:
		if st.Run == "" {
			c.result.AddError(path+".run", schema.ErrCodeValidation, fmt.Sprintf("%s stage requires run", kind))
		}
		if kind == schema.StageKindShell && st.Lang != "" {
			c.result.AddWarning(path+".lang", schema.ErrCodeValidation, "lang is ignored by shell stages")
		}
	case schema.StageKindGroup, schema.StageKindParallel:
		if len(st.Stages) == 0 {
			c.result.AddError(path+".stages", schema.ErrCodeValidation, fmt.Sprintf("%s stage requires stages", kind))
		}
	case schema.StageKindIf:
		if st.Condition == "" {
			c.result.AddError(path+".condition", schema.ErrCodeValidation, "if stage requires condition")
		}
		c.guard(path+".condition", st.Condition)
		c.stages(path+".else", st.Else)
	case schema.StageKindForeach:
		if st.Items == nil {
			c.result.AddError(path+".items", schema.ErrCodeValidation, "foreach stage requires items")
		}
		if len(st.Stages) == 0 {
			c.result.AddError(path+".stages", schema.ErrCodeValidation, "foreach stage requires stages")
		}
	}

	if len(st.Stages) > 0 {
		switch kind {
		case schema.StageKindGroup, schema.StageKindParallel, schema.StageKindIf, schema.StageKindForeach:
			c.stages(path+".stages", st.Stages)
		default:
			c.result.AddWarning(path+".stages", schema.ErrCodeValidation,
				fmt.Sprintf("nested stages are ignored by %s stages", kind))
		}
	}
}

func (c *semanticChecker) guard(path, src string) {
	if src == "" || c.guards == nil {
		return
	}
	if err := c.guards.Check(src); err != nil {
		c.result.AddError(path, schema.ErrCodeValidation, err.Error())
	}
}

func (c *semanticChecker) duration(path, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
		c.result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", raw))
	}
}
