package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/metrics"
	"github.com/rendis/jobflow/internal/runctx"
	"github.com/rendis/jobflow/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// runStrategies is the in-process strategy runner. A job without a matrix
// runs as one implicit strategy whose stages are flattened into the job
// result. The returned error is reserved for scope conflicts.
func (e *Engine) runStrategies(ctx context.Context, job *schema.JobDefinition, view *runctx.View) (*schema.JobResult, error) {
	if !job.HasMatrix() {
		scope := runctx.NewScope(view.Path(), view)
		seq, err := e.stages.RunSequence(ctx, job.Stages, scope, job.ContinueOnError)
		if err != nil {
			return nil, err
		}
		return &schema.JobResult{Status: seq.Status, Stages: scope.Results(), Errors: seq.Errors}, nil
	}

	combos := ExpandMatrix(job.Strategy)
	limit := job.Strategy.MaxParallel
	if limit <= 0 {
		limit = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(limit, WithRunningGauge(e.metrics, metrics.PoolStrategies))
	results := make([]*schema.StrategyResult, len(combos))

	var (
		mu    sync.Mutex
		fatal error
	)

	for i := range combos {
		idx, combo := i, combos[i]
		if runCtx.Err() != nil {
			results[idx] = cancelledStrategy(combo)
			continue
		}
		err := pool.Submit(runCtx, func(sctx context.Context) error {
			res, err := e.runStrategy(sctx, job, view, combo)
			if err != nil {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
				cancel()
				return err
			}
			results[idx] = res
			if res.Status == schema.StatusFailed && job.Strategy.FailFast {
				cancel()
			}
			return nil
		})
		if err != nil {
			results[idx] = cancelledStrategy(combo)
		}
	}
	pool.Wait()

	if fatal != nil {
		return nil, fatal
	}
	return aggregateStrategies(combos, results, job.AllowPartialFailure), nil
}

// runStrategy executes the stage sequence of one matrix combination.
func (e *Engine) runStrategy(ctx context.Context, job *schema.JobDefinition, view *runctx.View, combo Combination) (*schema.StrategyResult, error) {
	ctx = logging.WithStrategy(ctx, combo.Key)
	ctx, span := e.tracer.Start(ctx, "strategy.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", view.RunID()),
		attribute.String("job_id", job.ID),
		attribute.String("strategy", combo.Key),
	)

	start := time.Now()
	sv := view.ForStrategy(combo.Key, combo.Matrix)
	scope := runctx.NewScope(sv.Path(), sv)

	// A strategy whose slot was won after the signal never starts.
	if ctx.Err() != nil {
		return cancelledStrategy(combo), nil
	}

	e.sink.Info(ctx, "strategy started", "job", job.ID, "strategy", combo.Key)
	seq, err := e.stages.RunSequence(ctx, job.Stages, scope, job.ContinueOnError)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "strategy aborted")
		return nil, err
	}

	res := &schema.StrategyResult{
		Matrix: schema.DeepCopyMap(combo.Matrix),
		Stages: scope.Results(),
		Status: seq.Status,
		Errors: seq.Errors,
	}
	e.metrics.Observe(metrics.UnitStrategy, string(res.Status), time.Since(start))
	e.sink.Info(ctx, "strategy finished", "job", job.ID, "strategy", combo.Key, "status", string(res.Status))
	if res.Status == schema.StatusFailed {
		span.SetStatus(codes.Error, "strategy failed")
	}
	return res, nil
}

func cancelledStrategy(combo Combination) *schema.StrategyResult {
	return &schema.StrategyResult{
		Matrix: schema.DeepCopyMap(combo.Matrix),
		Stages: map[string]*schema.StageResult{},
		Status: schema.StatusCancel,
	}
}

// aggregateStrategies folds strategy outcomes into the job result: FAILED if
// any strategy failed (unless partial failure is allowed and one succeeded),
// else CANCEL if any was cancelled, else SUCCESS.
func aggregateStrategies(combos []Combination, results []*schema.StrategyResult, allowPartial bool) *schema.JobResult {
	out := &schema.JobResult{
		Strategies:     make(map[string]*schema.StrategyResult, len(results)),
		StrategyErrors: map[string]*schema.ErrorInfo{},
	}

	var failed, cancelled, succeeded int
	for i, res := range results {
		if res == nil {
			res = cancelledStrategy(combos[i])
		}
		key := combos[i].Key
		out.Strategies[key] = res
		switch res.Status {
		case schema.StatusFailed:
			failed++
			if res.Errors != nil {
				e := *res.Errors
				out.StrategyErrors[key] = &e
			}
		case schema.StatusCancel:
			cancelled++
		case schema.StatusSuccess:
			succeeded++
		}
	}

	switch {
	case failed > 0 && !(allowPartial && succeeded > 0):
		out.Status = schema.StatusFailed
	case cancelled > 0:
		out.Status = schema.StatusCancel
	default:
		out.Status = schema.StatusSuccess
	}
	if len(out.StrategyErrors) == 0 {
		out.StrategyErrors = nil
	}
	return out
}
