// Package engine drives workflow runs: job ordering, trigger rules, the job
// controller, matrix expansion and the strategy runner.
package engine

import (
	"github.com/rendis/jobflow/internal/metrics"
	"github.com/rendis/jobflow/internal/provider"
	"github.com/rendis/jobflow/internal/stages"
	"github.com/rendis/jobflow/internal/trace"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// DefaultMaxParallel is the job cap used when neither the workflow nor the
// engine sets one.
const DefaultMaxParallel = 10

// Engine executes workflows. It holds no per-run state; a single Engine can
// run many workflows concurrently.
type Engine struct {
	stages      *stages.Executor
	providers   *provider.Registry
	sink        trace.Sink
	metrics     *metrics.Metrics
	tracer      oteltrace.Tracer
	appender    EventAppender
	fsm         *UnitFSM
	maxParallel int
	stageOpts   []stages.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithStageOptions passes extra options to the stage executor New builds.
func WithStageOptions(opts ...stages.Option) Option {
	return func(e *Engine) { e.stageOpts = append(e.stageOpts, opts...) }
}

// WithProviders sets the registry of remote job providers.
func WithProviders(r *provider.Registry) Option {
	return func(e *Engine) { e.providers = r }
}

// WithTrace sets the trace sink.
func WithTrace(s trace.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the OpenTelemetry tracer. nil keeps the global provider's tracer.
func WithTracer(t oteltrace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEventAppender records workflow and job transitions, typically into a
// store.EventLog.
func WithEventAppender(a EventAppender) Option {
	return func(e *Engine) { e.appender = a }
}

// WithMaxParallel sets the job cap for workflows that do not declare one.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		sink:        trace.Nop,
		tracer:      otel.Tracer("jobflow/engine"),
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.fsm = NewUnitFSM(e.appender)
	stageOpts := append([]stages.Option{
		stages.WithTrace(e.sink),
		stages.WithMetrics(e.metrics),
	}, e.stageOpts...)
	x, err := stages.NewExecutor(stageOpts...)
	if err != nil {
		return nil, err
	}
	e.stages = x
	return e, nil
}

