package expressions

import (
	"context"
	"sync"

	"github.com/rendis/jobflow/pkg/schema"
)

// Engine evaluates expressions against the root namespaces of a read view.
// CEL backs guards, Expr and GoJQ back code stages; GoJQ also backs the jq
// filter.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Failed compiles
// are not cached.
type programCache[P any] struct {
	compile func(src string) (P, error)

	mu       sync.Mutex
	programs map[string]P
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[src]; ok {
		return p, nil
	}
	p, err := c.compile(src)
	if err != nil {
		return p, err
	}
	c.programs[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}

// compileError is a ValidationError: the source itself is wrong.
func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// evalError is a StageFault: the source compiled but failed on this data.
func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStageFault, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
