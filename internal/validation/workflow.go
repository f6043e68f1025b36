package validation

import (
	"github.com/rendis/jobflow/internal/expressions"
	"github.com/rendis/jobflow/pkg/schema"
)

// Validator checks workflow definitions and run parameters before execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateParams(decls map[string]schema.ParamDefinition, raw map[string]any) (map[string]any, error)
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, kind fields, guards, durations, schedules)
// 3. DAG (cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	providers  ProviderLookup
	guards     GuardChecker
}

// NewWorkflowValidator creates a WorkflowValidator. providers may be nil to
// skip runs_on checks.
func NewWorkflowValidator(providers ProviderLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		providers:  providers,
		guards:     cel,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.providers, wv.guards))

	// The graph is only meaningful once every reference resolves.
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateParams casts raw run parameters against the declarations.
func (wv *WorkflowValidator) ValidateParams(decls map[string]schema.ParamDefinition, raw map[string]any) (map[string]any, error) {
	return CastParams(decls, raw)
}

// validateStructural converts the JSON Schema verdict into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
