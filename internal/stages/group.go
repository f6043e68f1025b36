package stages

import (
	"context"
	"reflect"
	"strconv"
	"sync"

	"github.com/rendis/jobflow/internal/runctx"
	"github.com/rendis/jobflow/pkg/schema"
)

// Sequence is the outcome of running a stage list in one scope.
type Sequence struct {
	Status schema.Status
	Errors *schema.ErrorInfo
}

// RunSequence executes defs in declared order inside scope. Each stage sees
// the scope's committed siblings. The run signal is checked before every
// stage: once observed, the remaining stages are committed as CANCEL. The
// first FAILED stage short-circuits the rest unless continueOnError is set.
func (e *Executor) RunSequence(ctx context.Context, defs []schema.StageDefinition, scope *runctx.Scope, continueOnError bool) (Sequence, error) {
	var failed, cancelled bool

	for i := range defs {
		def := &defs[i]
		if ctx.Err() != nil {
			cancelled = true
			if err := scope.Commit(def.ID, schema.StageCancelled()); err != nil {
				return Sequence{}, err
			}
			continue
		}

		res, err := e.Execute(ctx, def, scope.View())
		if err != nil {
			return Sequence{}, err
		}
		if err := scope.Commit(def.ID, res); err != nil {
			return Sequence{}, err
		}

		switch res.Status {
		case schema.StatusFailed:
			failed = true
			if !continueOnError {
				return Sequence{Status: schema.StatusFailed, Errors: scope.FirstError()}, nil
			}
		case schema.StatusCancel:
			cancelled = true
		}
	}

	switch {
	case cancelled:
		return Sequence{Status: schema.StatusCancel}, nil
	case failed && !continueOnError:
		return Sequence{Status: schema.StatusFailed, Errors: scope.FirstError()}, nil
	default:
		return Sequence{Status: schema.StatusSuccess}, nil
	}
}

func (e *Executor) runGroup(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) (*schema.StageResult, error) {
	scope := runctx.NewScope(view.Path().Stage(stage.ID), view)
	seq, err := e.RunSequence(ctx, stage.Stages, scope, false)
	if err != nil {
		return nil, err
	}
	return groupResult(seq, scope.Results(), nil), nil
}

func (e *Executor) runIf(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) (*schema.StageResult, error) {
	ok, err := e.cel.EvaluateBool(ctx, stage.Condition, view.Data())
	if err != nil {
		return schema.StageFailed(err), nil
	}

	branch, name := stage.Stages, "then"
	if !ok {
		if len(stage.Else) == 0 {
			return schema.StageSkipped(), nil
		}
		branch, name = stage.Else, "else"
	}

	scope := runctx.NewScope(view.Path().Stage(stage.ID), view)
	seq, err := e.RunSequence(ctx, branch, scope, false)
	if err != nil {
		return nil, err
	}
	return groupResult(seq, scope.Results(), map[string]any{"branch": name}), nil
}

// runParallel runs the children concurrently. Siblings do not see each
// other: every child gets the parallel stage's own view.
func (e *Executor) runParallel(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) (*schema.StageResult, error) {
	children := stage.Stages
	limit := stage.MaxParallel
	if limit <= 0 {
		limit = len(children)
	}

	results := make([]*schema.StageResult, len(children))
	fatal := fanOut(len(children), limit, func(i int) error {
		res, err := e.Execute(ctx, &children[i], view)
		results[i] = res
		return err
	})
	if fatal != nil {
		return nil, fatal
	}

	scope := runctx.NewScope(view.Path().Stage(stage.ID), view)
	for i := range children {
		if err := scope.Commit(children[i].ID, results[i]); err != nil {
			return nil, err
		}
	}
	return groupResult(aggregate(results), scope.Results(), nil), nil
}

// runForeach runs the body once per item. Each iteration is a synthetic
// group keyed by its index and sees the item and index roots.
func (e *Executor) runForeach(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) (*schema.StageResult, error) {
	items, err := e.foreachItems(stage, view)
	if err != nil {
		return schema.StageFailed(err), nil
	}
	limit := stage.MaxParallel
	if limit <= 0 {
		limit = 1
	}

	base := view.Path().Stage(stage.ID)
	results := make([]*schema.StageResult, len(items))
	fatal := fanOut(len(items), limit, func(i int) error {
		if ctx.Err() != nil {
			results[i] = schema.StageCancelled()
			return nil
		}
		key := strconv.Itoa(i)
		iterView := view.WithItem(items[i], i)
		scope := runctx.NewScope(base.Stage(key), iterView)
		seq, err := e.RunSequence(ctx, stage.Stages, scope, false)
		if err != nil {
			return err
		}
		results[i] = groupResult(seq, scope.Results(), map[string]any{"item": items[i], "index": i})
		return nil
	})
	if fatal != nil {
		return nil, fatal
	}

	iterations := make(map[string]*schema.StageResult, len(results))
	for i, r := range results {
		iterations[strconv.Itoa(i)] = r
	}
	return groupResult(aggregate(results), iterations, map[string]any{"items": items}), nil
}

func (e *Executor) foreachItems(stage *schema.StageDefinition, view *runctx.View) ([]any, error) {
	raw, err := e.resolver.Resolve(stage.Items, view.Data())
	if err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeTemplateResolution,
		"stage %q: items must resolve to a sequence, got %T", stage.ID, raw)
}

// fanOut calls fn for 0..n-1 with at most limit calls in flight and returns
// the first error. Each index is written by exactly one goroutine.
func fanOut(n, limit int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	sem := make(chan struct{}, limit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}

// aggregate folds concurrently produced child results: FAILED wins over
// CANCEL, which wins over SUCCESS. SKIP counts as success.
func aggregate(results []*schema.StageResult) Sequence {
	var cancelled bool
	for _, r := range results {
		switch r.Status {
		case schema.StatusFailed:
			return Sequence{Status: schema.StatusFailed, Errors: r.Errors}
		case schema.StatusCancel:
			cancelled = true
		}
	}
	if cancelled {
		return Sequence{Status: schema.StatusCancel}
	}
	return Sequence{Status: schema.StatusSuccess}
}

func groupResult(seq Sequence, children map[string]*schema.StageResult, outputs map[string]any) *schema.StageResult {
	if outputs == nil {
		outputs = map[string]any{}
	}
	res := &schema.StageResult{Status: seq.Status, Outputs: outputs, Stages: children}
	if seq.Status == schema.StatusFailed {
		res.Errors = seq.Errors
		if res.Errors == nil {
			res.Errors = &schema.ErrorInfo{Name: schema.ErrNameStage, Message: "child stage failed"}
		}
	}
	return res
}
