package schema

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of any unit: workflow, job, strategy or stage.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusSkip    Status = "SKIP"
	StatusCancel  Status = "CANCEL"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkip, StatusCancel:
		return true
	}
	return false
}

// ErrorInfo is the wire form of a fault: its kind name and message.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ToMap returns the expression-visible form.
func (e *ErrorInfo) ToMap() map[string]any {
	if e == nil {
		return nil
	}
	return map[string]any{"name": e.Name, "message": e.Message}
}

func (e *ErrorInfo) clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// StageResult is the terminal outcome of one stage.
type StageResult struct {
	Status  Status                  `json:"status"`
	Outputs map[string]any          `json:"outputs"`
	Errors  *ErrorInfo              `json:"errors,omitempty"`
	Stages  map[string]*StageResult `json:"stages,omitempty"` // group kinds only
}

// StageSuccess builds a SUCCESS result.
func StageSuccess(outputs map[string]any) *StageResult {
	if outputs == nil {
		outputs = map[string]any{}
	}
	return &StageResult{Status: StatusSuccess, Outputs: outputs}
}

// StageFailed builds a FAILED result from an error.
func StageFailed(err error) *StageResult {
	return &StageResult{Status: StatusFailed, Outputs: map[string]any{}, Errors: ErrorInfoFrom(err)}
}

// StageSkipped builds a SKIP result.
func StageSkipped() *StageResult {
	return &StageResult{Status: StatusSkip, Outputs: map[string]any{}}
}

// StageCancelled builds a CANCEL result.
func StageCancelled() *StageResult {
	return &StageResult{Status: StatusCancel, Outputs: map[string]any{}}
}

// Clone returns a deep copy.
func (r *StageResult) Clone() *StageResult {
	if r == nil {
		return nil
	}
	return &StageResult{
		Status:  r.Status,
		Outputs: DeepCopyMap(r.Outputs),
		Errors:  r.Errors.clone(),
		Stages:  cloneStages(r.Stages),
	}
}

// ToMap returns the expression-visible form of the result.
func (r *StageResult) ToMap() map[string]any {
	m := map[string]any{
		"status":  string(r.Status),
		"outputs": DeepCopyMap(r.Outputs),
		"errors":  nil,
	}
	if r.Errors != nil {
		m["errors"] = r.Errors.ToMap()
	}
	if len(r.Stages) > 0 {
		m["stages"] = StagesToMap(r.Stages)
	}
	return m
}

// StagesToMap converts a stage result mapping to its expression-visible form.
func StagesToMap(stages map[string]*StageResult) map[string]any {
	out := make(map[string]any, len(stages))
	for id, r := range stages {
		out[id] = r.ToMap()
	}
	return out
}

func cloneStages(in map[string]*StageResult) map[string]*StageResult {
	if in == nil {
		return nil
	}
	out := make(map[string]*StageResult, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// StrategyResult is the outcome of one concrete matrix combination.
type StrategyResult struct {
	Matrix map[string]any          `json:"matrix"`
	Stages map[string]*StageResult `json:"stages"`
	Status Status                  `json:"status"`
	Errors *ErrorInfo              `json:"errors,omitempty"`
}

// Clone returns a deep copy.
func (r *StrategyResult) Clone() *StrategyResult {
	if r == nil {
		return nil
	}
	return &StrategyResult{
		Matrix: DeepCopyMap(r.Matrix),
		Stages: cloneStages(r.Stages),
		Status: r.Status,
		Errors: r.Errors.clone(),
	}
}

// ToMap returns the expression-visible form of the result.
func (r *StrategyResult) ToMap() map[string]any {
	m := map[string]any{
		"matrix": DeepCopyMap(r.Matrix),
		"stages": StagesToMap(r.Stages),
		"status": string(r.Status),
		"errors": nil,
	}
	if r.Errors != nil {
		m["errors"] = r.Errors.ToMap()
	}
	return m
}

// JobResult is the outcome of one job. Matrix jobs populate Strategies and
// StrategyErrors; other jobs are flattened into Stages and Errors.
type JobResult struct {
	Status         Status                     `json:"status"`
	Strategies     map[string]*StrategyResult `json:"strategies,omitempty"`
	StrategyErrors map[string]*ErrorInfo      `json:"-"`
	Stages         map[string]*StageResult    `json:"stages,omitempty"`
	Errors         *ErrorInfo                 `json:"-"`
}

// IsMatrix reports whether the result carries per-strategy results.
func (r *JobResult) IsMatrix() bool {
	return r.Strategies != nil
}

// Clone returns a deep copy.
func (r *JobResult) Clone() *JobResult {
	if r == nil {
		return nil
	}
	c := &JobResult{
		Status: r.Status,
		Stages: cloneStages(r.Stages),
		Errors: r.Errors.clone(),
	}
	if r.Strategies != nil {
		c.Strategies = make(map[string]*StrategyResult, len(r.Strategies))
		for k, v := range r.Strategies {
			c.Strategies[k] = v.Clone()
		}
	}
	if r.StrategyErrors != nil {
		c.StrategyErrors = make(map[string]*ErrorInfo, len(r.StrategyErrors))
		for k, v := range r.StrategyErrors {
			c.StrategyErrors[k] = v.clone()
		}
	}
	return c
}

// ToMap returns the expression-visible form of the result.
func (r *JobResult) ToMap() map[string]any {
	m := map[string]any{
		"status": string(r.Status),
		"errors": nil,
	}
	if r.Strategies != nil {
		strategies := make(map[string]any, len(r.Strategies))
		for k, v := range r.Strategies {
			strategies[k] = v.ToMap()
		}
		m["strategies"] = strategies
	}
	if r.Stages != nil || r.Strategies == nil {
		m["stages"] = StagesToMap(r.Stages)
	}
	switch {
	case len(r.StrategyErrors) > 0:
		errs := make(map[string]any, len(r.StrategyErrors))
		for k, v := range r.StrategyErrors {
			errs[k] = v.ToMap()
		}
		m["errors"] = errs
	case r.Errors != nil:
		m["errors"] = r.Errors.ToMap()
	}
	return m
}

type jobResultWire struct {
	Status     Status                     `json:"status"`
	Strategies map[string]*StrategyResult `json:"strategies,omitempty"`
	Stages     map[string]*StageResult    `json:"stages,omitempty"`
	Errors     json.RawMessage            `json:"errors,omitempty"`
}

// MarshalJSON emits "errors" as a strategy-key mapping for matrix results
// and as a single ErrorInfo otherwise.
func (r *JobResult) MarshalJSON() ([]byte, error) {
	w := jobResultWire{Status: r.Status, Strategies: r.Strategies, Stages: r.Stages}
	var errs any
	switch {
	case len(r.StrategyErrors) > 0:
		errs = r.StrategyErrors
	case r.Errors != nil:
		errs = r.Errors
	}
	if errs != nil {
		b, err := json.Marshal(errs)
		if err != nil {
			return nil, err
		}
		w.Errors = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both shapes of "errors".
func (r *JobResult) UnmarshalJSON(data []byte) error {
	var w jobResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = JobResult{Status: w.Status, Strategies: w.Strategies, Stages: w.Stages}
	if len(w.Errors) == 0 || string(w.Errors) == "null" {
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(w.Errors, &probe); err != nil {
		return err
	}
	if name, ok := probe["name"]; ok && len(name) > 0 && name[0] == '"' {
		r.Errors = &ErrorInfo{}
		return json.Unmarshal(w.Errors, r.Errors)
	}
	return json.Unmarshal(w.Errors, &r.StrategyErrors)
}

// Context is the terminal (or snapshot) record of a whole run.
type Context struct {
	RunID       string                `json:"run_id"`
	Workflow    string                `json:"workflow,omitempty"`
	Params      map[string]any        `json:"params"`
	Jobs        map[string]*JobResult `json:"jobs"`
	Status      Status                `json:"status"`
	Errors      *ErrorInfo            `json:"errors,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		RunID:     c.RunID,
		Workflow:  c.Workflow,
		Params:    DeepCopyMap(c.Params),
		Jobs:      make(map[string]*JobResult, len(c.Jobs)),
		Status:    c.Status,
		Errors:    c.Errors.clone(),
		StartedAt: c.StartedAt,
	}
	for k, v := range c.Jobs {
		out.Jobs[k] = v.Clone()
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = DeepCopyValue(v)
	}
	return dst
}

// DeepCopyValue deep-copies maps and slices; other values are returned as-is.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyValue(item)
		}
		return cp
	case []map[string]any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyMap(item)
		}
		return cp
	case []string:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = item
		}
		return cp
	default:
		return v
	}
}
