package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/jobflow/pkg/schema"
)

const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://jobflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["jobs"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "params": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/param" }
    },
    "jobs": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/job" }
    },
    "env": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "max_parallel": { "type": "integer", "minimum": 0 },
    "timeout": { "$ref": "#/$defs/duration" },
    "schedule": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "` + durationPattern + `"
    },
    "param": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["str", "int", "float", "bool", "datetime", "choice", "array", "map"]
        },
        "description": { "type": "string" },
        "default": {},
        "required": { "type": "boolean" },
        "options": { "type": "array" }
      },
      "additionalProperties": false
    },
    "job": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "description": { "type": "string" },
        "needs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "trigger_rule": {
          "type": "string",
          "enum": ["all_success", "all_failed", "all_done", "one_success", "one_failed", "any_failed", "none_failed", "none_skipped"]
        },
        "if": { "type": "string" },
        "runs_on": {
          "type": "object",
          "properties": {
            "type": { "type": "string" },
            "with": { "type": "object" }
          },
          "additionalProperties": false
        },
        "strategy": { "$ref": "#/$defs/strategy" },
        "stages": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/stage" }
        },
        "continue_on_error": { "type": "boolean" },
        "allow_partial_failure": { "type": "boolean" },
        "timeout": { "$ref": "#/$defs/duration" },
        "env": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "strategy": {
      "type": "object",
      "properties": {
        "matrix": {
          "type": "object",
          "additionalProperties": { "type": "array", "minItems": 1 }
        },
        "include": { "type": "array", "items": { "type": "object", "minProperties": 1 } },
        "exclude": { "type": "array", "items": { "type": "object", "minProperties": 1 } },
        "max_parallel": { "type": "integer", "minimum": 0 },
        "fail_fast": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "stage": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["empty", "shell", "code", "group", "parallel", "if", "foreach"]
        },
        "if": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "echo": { "type": "string" },
        "sleep": { "type": "string" },
        "run": { "type": "string" },
        "shell": { "type": "string" },
        "lang": { "type": "string", "enum": ["expr", "jq"] },
        "env": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "stages": { "type": "array", "items": { "$ref": "#/$defs/stage" } },
        "max_parallel": { "type": "integer", "minimum": 0 },
        "condition": { "type": "string" },
        "else": { "type": "array", "items": { "$ref": "#/$defs/stage" } },
        "items": {}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions and parameter sets with JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://jobflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://jobflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(schema.ErrCodeValidation, err)
	}
	return nil
}

// ValidateParams checks already typed parameter values against the schema
// generated from their declarations.
func (v *JSONSchemaValidator) ValidateParams(decls map[string]schema.ParamDefinition, params map[string]any) error {
	raw, err := ParamsSchema(decls)
	if err != nil {
		return schema.NewError(schema.ErrCodeParameterValidation, "invalid parameter declarations").WithCause(err)
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeParameterValidation, "invalid parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeParameterValidation, "failed to serialize parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(schema.ErrCodeParameterValidation, err)
	}
	return nil
}

// ParamsSchema renders the JSON Schema that typed parameter values must
// satisfy. datetime values are checked in their RFC 3339 form.
func ParamsSchema(decls map[string]schema.ParamDefinition) ([]byte, error) {
	props := make(map[string]any, len(decls))
	required := make([]string, 0)
	for name, d := range decls {
		var p map[string]any
		switch d.Type {
		case schema.ParamTypeString:
			p = map[string]any{"type": "string"}
		case schema.ParamTypeInt:
			p = map[string]any{"type": "integer"}
		case schema.ParamTypeFloat:
			p = map[string]any{"type": "number"}
		case schema.ParamTypeBool:
			p = map[string]any{"type": "boolean"}
		case schema.ParamTypeDatetime:
			p = map[string]any{"type": "string", "format": "date-time"}
		case schema.ParamTypeChoice:
			if len(d.Options) == 0 {
				return nil, fmt.Errorf("param %q: choice declares no options", name)
			}
			p = map[string]any{"enum": d.Options}
		case schema.ParamTypeArray:
			p = map[string]any{"type": "array"}
		case schema.ParamTypeMap:
			p = map[string]any{"type": "object"}
		default:
			return nil, fmt.Errorf("param %q: unknown type %q", name, d.Type)
		}
		if d.Description != "" {
			p["description"] = d.Description
		}
		props[name] = p
		if d.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

var defaultValidator struct {
	once sync.Once
	v    *JSONSchemaValidator
	err  error
}

func sharedValidator() (*JSONSchemaValidator, error) {
	defaultValidator.once.Do(func() {
		defaultValidator.v, defaultValidator.err = NewJSONSchemaValidator()
	})
	return defaultValidator.v, defaultValidator.err
}

func validateParamSchema(decls map[string]schema.ParamDefinition, params map[string]any) error {
	v, err := sharedValidator()
	if err != nil {
		return err
	}
	return v.ValidateParams(decls, params)
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("jobflow://params-schema/%d", len(v.cache))

	// Fresh compiler per schema to avoid resource collision.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(jsonReady(v))
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// jsonReady renders times in RFC 3339 so the date-time format applies.
func jsonReady(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, x := range m {
		if t, ok := x.(time.Time); ok {
			out[k] = t.Format(time.RFC3339Nano)
			continue
		}
		out[k] = x
	}
	return out
}

// toFlowError converts a jsonschema.ValidationError into a FlowError that
// lists every leaf violation with its instance location.
func toFlowError(code string, err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
