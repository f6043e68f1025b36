package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine runs inline programs for the `code` stage kind (lang: expr).
// Programs see the view roots as top-level variables and may use let
// bindings, array builtins (filter, map, sum, ...), nil coalescing (??) and
// map literals to build their outputs.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// compileExpr fixes the map roots as empty maps so a cached program stays
// valid whatever values later runs bind. item and index stay undeclared and
// resolve dynamically.
func compileExpr(src string) (*vm.Program, error) {
	env := make(map[string]any, len(mapRoots))
	for _, root := range mapRoots {
		env[root] = map[string]any{}
	}
	prg, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", src, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
