// Package stages runs single stages: guard evaluation, template resolution,
// the per-kind dispatch and fault containment.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/jobflow/internal/expressions"
	"github.com/rendis/jobflow/internal/isolation"
	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/metrics"
	"github.com/rendis/jobflow/internal/runctx"
	"github.com/rendis/jobflow/internal/trace"
	"github.com/rendis/jobflow/pkg/schema"
)

// Hooks observe stage boundaries. Both callbacks are optional and must be
// safe for concurrent use.
type Hooks struct {
	OnStart  func(ctx context.Context, stage *schema.StageDefinition)
	OnFinish func(ctx context.Context, stage *schema.StageDefinition, result *schema.StageResult)
}

// Executor runs stages. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	resolver *expressions.Resolver
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	isolator isolation.Isolator
	sink     trace.Sink
	metrics  *metrics.Metrics
	hooks    Hooks
}

// Option configures an Executor.
type Option func(*Executor)

// WithResolver sets the template resolver.
func WithResolver(r *expressions.Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

// WithIsolator sets the process isolator used by shell stages.
func WithIsolator(iso isolation.Isolator) Option {
	return func(e *Executor) { e.isolator = iso }
}

// WithTrace sets the trace sink.
func WithTrace(s trace.Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithHooks installs boundary hooks.
func WithHooks(h Hooks) Option {
	return func(e *Executor) { e.hooks = h }
}

// NewExecutor builds an Executor with the expression engines and defaults.
func NewExecutor(opts ...Option) (*Executor, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := expressions.NewGoJQEngine()
	e := &Executor{
		cel:      celEngine,
		expr:     expressions.NewExprEngine(),
		jq:       jq,
		isolator: isolation.NewIsolator(),
		sink:     trace.Nop,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = expressions.NewResolver(expressions.NewFilterRegistry(jq))
	}
	return e, nil
}

// Resolver returns the template resolver shared with the engine.
func (e *Executor) Resolver() *expressions.Resolver { return e.resolver }

// CEL returns the guard engine shared with the engine.
func (e *Executor) CEL() *expressions.CELEngine { return e.cel }

// Execute runs one stage against a read view and returns its terminal
// result. Faults inside the stage become a FAILED result. The returned error
// is reserved for scope conflicts, which abort the run.
//
// ctx carries the run's cancellation signal. It is only consulted at stage
// boundaries; a stage body that has started is never preempted by it.
func (e *Executor) Execute(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) (res *schema.StageResult, fatal error) {
	if ctx.Err() != nil {
		return schema.StageCancelled(), nil
	}

	ctx = logging.WithStageID(ctx, stage.ID)
	start := time.Now()
	if e.hooks.OnStart != nil {
		e.hooks.OnStart(ctx, stage)
	}
	e.sink.Info(ctx, "stage started", "stage", stage.ID, "kind", string(stage.EffectiveKind()))

	defer func() {
		if r := recover(); r != nil {
			perr := &schema.PanicError{Value: r}
			e.sink.Exception(ctx, "stage panicked", perr, "stage", stage.ID)
			res, fatal = schema.StageFailed(perr), nil
		}
		if res == nil {
			res = schema.StageFailed(schema.NewErrorf(schema.ErrCodeStageFault, "stage %q produced no result", stage.ID))
		}
		e.metrics.Observe(metrics.UnitStage, string(res.Status), time.Since(start))
		e.sink.Info(ctx, "stage finished", "stage", stage.ID, "status", string(res.Status))
		if e.hooks.OnFinish != nil {
			e.hooks.OnFinish(ctx, stage, res)
		}
	}()

	if stage.If != "" {
		ok, err := e.cel.EvaluateBool(ctx, stage.If, view.Data())
		if err != nil {
			e.sink.Exception(ctx, "stage guard failed", err, "stage", stage.ID)
			return schema.StageFailed(err), nil
		}
		if !ok {
			return schema.StageSkipped(), nil
		}
	}

	res, fatal = e.dispatch(ctx, stage, view)
	if res != nil && res.Status == schema.StatusFailed && res.Errors != nil {
		e.sink.Error(ctx, "stage failed", "stage", stage.ID, "error", res.Errors.Name+": "+res.Errors.Message)
	}
	return res, fatal
}

// dispatch runs the body of the stage's kind.
func (e *Executor) dispatch(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) (*schema.StageResult, error) {
	timeout, err := parseTimeout(stage.Timeout)
	if err != nil {
		return schema.StageFailed(err), nil
	}

	switch kind := stage.EffectiveKind(); kind {
	case schema.StageKindEmpty, schema.StageKindShell, schema.StageKindCode:
		// Leaf bodies run to completion regardless of the run signal; only
		// the stage's own timeout bounds them.
		body := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			body, cancel = context.WithTimeout(body, timeout)
			defer cancel()
		}
		switch kind {
		case schema.StageKindEmpty:
			return e.runEmpty(body, stage, view), nil
		case schema.StageKindShell:
			return e.runShell(body, stage, view), nil
		default:
			return e.runCode(body, stage, view), nil
		}

	case schema.StageKindGroup, schema.StageKindParallel, schema.StageKindIf, schema.StageKindForeach:
		// Children observe the run signal at their own boundaries; the
		// group's timeout raises the same signal for them.
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		switch kind {
		case schema.StageKindGroup:
			return e.runGroup(ctx, stage, view)
		case schema.StageKindParallel:
			return e.runParallel(ctx, stage, view)
		case schema.StageKindIf:
			return e.runIf(ctx, stage, view)
		default:
			return e.runForeach(ctx, stage, view)
		}

	default:
		return schema.StageFailed(schema.NewErrorf(schema.ErrCodeValidation,
			"stage %q: unknown kind %q", stage.ID, kind)), nil
	}
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", s)
	}
	return d, nil
}

func timeoutError(stage *schema.StageDefinition) error {
	return schema.NewError(schema.ErrCodeTimeout, fmt.Sprintf("stage %q exceeded its timeout of %s", stage.ID, stage.Timeout)).
		WithUnit(stage.ID)
}
