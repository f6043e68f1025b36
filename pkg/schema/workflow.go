package schema

// WorkflowDefinition is the declarative workflow format, loaded from YAML or JSON.
type WorkflowDefinition struct {
	Name        string                     `json:"name" yaml:"name"`
	Description string                     `json:"description,omitempty" yaml:"description,omitempty"`
	Params      map[string]ParamDefinition `json:"params,omitempty" yaml:"params,omitempty"`
	Jobs        map[string]*JobDefinition  `json:"jobs" yaml:"jobs"`
	Env         map[string]string          `json:"env,omitempty" yaml:"env,omitempty"`
	MaxParallel int                        `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"` // job cap, 0 = engine default
	Timeout     string                     `json:"timeout,omitempty" yaml:"timeout,omitempty"`           // whole-run deadline (e.g. "10m")
	Schedule    []string                   `json:"schedule,omitempty" yaml:"schedule,omitempty"`         // cron expressions
}

// ParamType enumerates the declared parameter types.
type ParamType string

const (
	ParamTypeString   ParamType = "str"
	ParamTypeInt      ParamType = "int"
	ParamTypeFloat    ParamType = "float"
	ParamTypeBool     ParamType = "bool"
	ParamTypeDatetime ParamType = "datetime"
	ParamTypeChoice   ParamType = "choice"
	ParamTypeArray    ParamType = "array"
	ParamTypeMap      ParamType = "map"
)

// ParamDefinition declares one workflow input parameter.
type ParamDefinition struct {
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Options     []any     `json:"options,omitempty" yaml:"options,omitempty"` // choice only
}

// JobDefinition describes one job of a workflow.
type JobDefinition struct {
	ID                  string              `json:"id,omitempty" yaml:"id,omitempty"` // filled from the jobs map key
	Description         string              `json:"description,omitempty" yaml:"description,omitempty"`
	Needs               []string            `json:"needs,omitempty" yaml:"needs,omitempty"`
	TriggerRule         TriggerRule         `json:"trigger_rule,omitempty" yaml:"trigger_rule,omitempty"`
	If                  string              `json:"if,omitempty" yaml:"if,omitempty"` // CEL guard
	RunsOn              RunsOn              `json:"runs_on,omitempty" yaml:"runs_on,omitempty"`
	Strategy            *StrategyDefinition `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Stages              []StageDefinition   `json:"stages" yaml:"stages"`
	ContinueOnError     bool                `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	AllowPartialFailure bool                `json:"allow_partial_failure,omitempty" yaml:"allow_partial_failure,omitempty"`
	Timeout             string              `json:"timeout,omitempty" yaml:"timeout,omitempty"` // remote provider deadline
	Env                 map[string]string   `json:"env,omitempty" yaml:"env,omitempty"`
}

// HasMatrix reports whether the job declares a parameter matrix.
func (j *JobDefinition) HasMatrix() bool {
	return j.Strategy != nil && (len(j.Strategy.Matrix) > 0 || len(j.Strategy.Include) > 0)
}

// RunsOn selects the execution provider of a job.
type RunsOn struct {
	Type string         `json:"type,omitempty" yaml:"type,omitempty"` // "" or "local" runs in-process
	With map[string]any `json:"with,omitempty" yaml:"with,omitempty"` // provider-specific settings
}

// IsLocal reports whether the job runs on the in-process strategy runner.
func (r RunsOn) IsLocal() bool {
	return r.Type == "" || r.Type == ProviderLocal
}

// ProviderLocal is the runs_on type of the in-process strategy runner.
const ProviderLocal = "local"

// StrategyDefinition is the parameter matrix of a job.
type StrategyDefinition struct {
	Matrix      map[string][]any `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Include     []map[string]any `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude     []map[string]any `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	MaxParallel int              `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"` // default 1
	FailFast    bool             `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
}

// TriggerRule decides whether a job runs given its needs' terminal statuses.
type TriggerRule string

const (
	TriggerAllSuccess  TriggerRule = "all_success"
	TriggerAllFailed   TriggerRule = "all_failed"
	TriggerAllDone     TriggerRule = "all_done"
	TriggerOneSuccess  TriggerRule = "one_success"
	TriggerOneFailed   TriggerRule = "one_failed"
	TriggerAnyFailed   TriggerRule = "any_failed" // alias of one_failed
	TriggerNoneFailed  TriggerRule = "none_failed"
	TriggerNoneSkipped TriggerRule = "none_skipped"
)

// StageKind enumerates the closed set of stage kinds.
type StageKind string

const (
	StageKindEmpty    StageKind = "empty"
	StageKindShell    StageKind = "shell"
	StageKindCode     StageKind = "code"
	StageKindGroup    StageKind = "group"
	StageKindParallel StageKind = "parallel"
	StageKindIf       StageKind = "if"
	StageKindForeach  StageKind = "foreach"
)

// StageKinds lists every supported kind in declaration order.
var StageKinds = []StageKind{
	StageKindEmpty, StageKindShell, StageKindCode, StageKindGroup,
	StageKindParallel, StageKindIf, StageKindForeach,
}

// StageDefinition describes one stage. Kind-specific fields are ignored by
// other kinds.
type StageDefinition struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	Kind    StageKind `json:"kind,omitempty" yaml:"kind,omitempty"` // default: empty
	If      string    `json:"if,omitempty" yaml:"if,omitempty"`     // CEL guard, false → SKIP
	Timeout string    `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// empty
	Echo  string `json:"echo,omitempty" yaml:"echo,omitempty"`
	Sleep string `json:"sleep,omitempty" yaml:"sleep,omitempty"`

	// shell, code
	Run   string            `json:"run,omitempty" yaml:"run,omitempty"`
	Shell string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	Lang  string            `json:"lang,omitempty" yaml:"lang,omitempty"` // expr | jq
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// group, parallel, if (then-branch), foreach (body)
	Stages      []StageDefinition `json:"stages,omitempty" yaml:"stages,omitempty"`
	MaxParallel int               `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	// if
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Else      []StageDefinition `json:"else,omitempty" yaml:"else,omitempty"`

	// foreach
	Items any `json:"items,omitempty" yaml:"items,omitempty"` // template or literal sequence
}

// EffectiveKind returns the stage kind, defaulting to empty.
func (s *StageDefinition) EffectiveKind() StageKind {
	if s.Kind == "" {
		return StageKindEmpty
	}
	return s.Kind
}
