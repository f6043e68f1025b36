package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/jobflow/pkg/schema"
)

// mapRoots are the CEL variables typed as map(string, dyn). Missing ones are
// bound to an empty map so that `has(...)` style guards never hit nil.
var mapRoots = []string{"params", "stages", "jobs", "matrix", "env", "run"}

// CELEngine evaluates guards: stage `if`, the `if` stage kind's condition and
// job `if`.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL environment exposing the view roots:
//   - params, stages, jobs, matrix, env, run: map(string, dyn)
//   - item: dyn, index: int (foreach bodies only; null / 0 elsewhere)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(mapRoots)+2)
	for _, root := range mapRoots {
		opts = append(opts, cel.Variable(root, mapType))
	}
	opts = append(opts,
		cel.Variable("item", cel.DynType),
		cel.Variable("index", cel.IntType),
	)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the root namespaces in data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a guard and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeStageFault,
			"condition %q must evaluate to a bool, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Check compiles an expression without evaluating it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", src, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", src, err)
	}
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(mapRoots)+2)

	for _, key := range mapRoots {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	activation["item"] = data["item"]
	switch idx := data["index"].(type) {
	case int:
		activation["index"] = int64(idx)
	case int64:
		activation["index"] = idx
	default:
		activation["index"] = int64(0)
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
