package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/jobflow/internal/stages"
	"github.com/rendis/jobflow/internal/trace"
	"github.com/rendis/jobflow/pkg/schema"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func codeStage(id, src string) schema.StageDefinition {
	return schema.StageDefinition{ID: id, Kind: schema.StageKindCode, Run: src}
}

func failingStage(id string) schema.StageDefinition {
	return codeStage(id, `{"errors": {"name": "Boom", "message": "bad input"}}`)
}

// concurrencyProbe counts stages that are between their start and finish
// hooks and records the highest count observed.
type concurrencyProbe struct {
	current int64
	max     int64
}

func (p *concurrencyProbe) hooks() stages.Hooks {
	return stages.Hooks{
		OnStart: func(context.Context, *schema.StageDefinition) {
			c := atomic.AddInt64(&p.current, 1)
			for {
				m := atomic.LoadInt64(&p.max)
				if c <= m || atomic.CompareAndSwapInt64(&p.max, m, c) {
					return
				}
			}
		},
		OnFinish: func(context.Context, *schema.StageDefinition, *schema.StageResult) {
			atomic.AddInt64(&p.current, -1)
		},
	}
}

func TestExecute_StageOutputsFlowDownstream(t *testing.T) {
	rec := trace.NewRecorder()
	e := newTestEngine(t, WithTrace(rec))

	wf := &schema.WorkflowDefinition{
		Name: "etl",
		Jobs: map[string]*schema.JobDefinition{
			"etl": {Stages: []schema.StageDefinition{
				codeStage("extract", `{"rows": 42}`),
				codeStage("load", `{"loaded": stages.extract.outputs.rows + 1}`),
				{ID: "report", Echo: "rows=${{ stages.extract.outputs.rows }}"},
			}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-1")
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, out.Status)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, "etl", out.Workflow)
	require.NotNil(t, out.CompletedAt)

	job := out.Jobs["etl"]
	require.NotNil(t, job)
	assert.False(t, job.IsMatrix())
	assert.Equal(t, 42, job.Stages["extract"].Outputs["rows"])
	assert.Equal(t, 43, job.Stages["load"].Outputs["loaded"])
	assert.Contains(t, rec.Messages(), "info: rows=42")
}

func TestExecute_JobsReadTerminalNeeds(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {Stages: []schema.StageDefinition{codeStage("s", `{"n": 2}`)}},
			"b": {Needs: []string{"a"}, Stages: []schema.StageDefinition{
				codeStage("s", `{"n": jobs.a.stages.s.outputs.n * 10}`),
			}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, 20, out.Jobs["b"].Stages["s"].Outputs["n"])
}

func TestExecute_MatrixYieldsFourStrategies(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"build": {
				Strategy: &schema.StrategyDefinition{
					Matrix:      map[string][]any{"size": {1, 2}, "mode": {"a", "b"}},
					MaxParallel: 2,
				},
				Stages: []schema.StageDefinition{codeStage("calc", `{"double": matrix.size * 2, "mode": matrix.mode}`)},
			},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-m")
	require.NoError(t, err)

	job := out.Jobs["build"]
	require.True(t, job.IsMatrix())
	assert.Equal(t, schema.StatusSuccess, job.Status)
	require.Len(t, job.Strategies, 4)
	for _, key := range []string{"mode=a,size=1", "mode=a,size=2", "mode=b,size=1", "mode=b,size=2"} {
		assert.Contains(t, job.Strategies, key)
	}
	s := job.Strategies["mode=b,size=2"]
	assert.Equal(t, map[string]any{"mode": "b", "size": 2}, s.Matrix)
	assert.Equal(t, 4, s.Stages["calc"].Outputs["double"])
	assert.Equal(t, "b", s.Stages["calc"].Outputs["mode"])
	assert.Empty(t, job.StrategyErrors)
}

func TestExecute_FailedNeedSkipsDependent(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {Stages: []schema.StageDefinition{failingStage("s"), codeStage("after", `1`)}},
			"b": {Needs: []string{"a"}, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-f")
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, out.Jobs["a"].Status)
	assert.Equal(t, schema.StatusSkip, out.Jobs["b"].Status)
	assert.Equal(t, schema.StatusFailed, out.Status)
	require.NotNil(t, out.Errors)
	assert.Equal(t, "Boom", out.Errors.Name)

	// The failed stage short-circuits the rest of the sequence.
	assert.Contains(t, out.Jobs["a"].Stages, "s")
	assert.NotContains(t, out.Jobs["a"].Stages, "after")
}

func TestExecute_TriggerRules(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a":       {Stages: []schema.StageDefinition{failingStage("s")}},
			"cleanup": {Needs: []string{"a"}, TriggerRule: schema.TriggerAllDone, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
			"alert":   {Needs: []string{"a"}, TriggerRule: schema.TriggerAnyFailed, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
			"deploy":  {Needs: []string{"a"}, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
			"notify":  {Needs: []string{"deploy"}, TriggerRule: schema.TriggerNoneFailed, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-t")
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, out.Jobs["cleanup"].Status)
	assert.Equal(t, schema.StatusSuccess, out.Jobs["alert"].Status)
	assert.Equal(t, schema.StatusSkip, out.Jobs["deploy"].Status)
	assert.Equal(t, schema.StatusSuccess, out.Jobs["notify"].Status)
	assert.Equal(t, schema.StatusFailed, out.Status)
}

func TestExecute_SkippedJobsDoNotFailTheRun(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Params: map[string]schema.ParamDefinition{"env": {Type: schema.ParamTypeString, Default: "dev"}},
		Jobs: map[string]*schema.JobDefinition{
			"deploy": {If: `params.env == "prod"`, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
			"test":   {Stages: []schema.StageDefinition{codeStage("s", `1`)}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-g")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSkip, out.Jobs["deploy"].Status)
	assert.Equal(t, schema.StatusSuccess, out.Status)
	assert.Equal(t, "dev", out.Params["env"])

	out, err = e.Execute(context.Background(), wf, map[string]any{"env": "prod"}, "run-g2")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, out.Jobs["deploy"].Status)
}

func TestExecute_JobGuardErrorFailsJob(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {If: `1 + 1`, Stages: []schema.StageDefinition{codeStage("s", `1`)}},
		},
	}
	out, err := e.Execute(context.Background(), wf, nil, "run-ge")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, out.Jobs["a"].Status)
	assert.Empty(t, out.Jobs["a"].Stages)
}

func TestExecute_ContinueOnError(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {ContinueOnError: true, Stages: []schema.StageDefinition{failingStage("bad"), codeStage("next", `{"ran": true}`)}},
		},
	}
	out, err := e.Execute(context.Background(), wf, nil, "run-c")
	require.NoError(t, err)

	job := out.Jobs["a"]
	assert.Equal(t, schema.StatusSuccess, job.Status)
	assert.Equal(t, schema.StatusFailed, job.Stages["bad"].Status)
	assert.Equal(t, true, job.Stages["next"].Outputs["ran"])
}

func TestExecute_FailFastCancelsPendingStrategies(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"m": {
				Strategy: &schema.StrategyDefinition{
					Matrix:   map[string][]any{"n": {1, 2, 3}},
					FailFast: true,
				},
				Stages: []schema.StageDefinition{
					codeStage("s", `matrix.n == 1 ? {"errors": "first failed"} : {"ok": true}`),
				},
			},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-ff")
	require.NoError(t, err)

	job := out.Jobs["m"]
	assert.Equal(t, schema.StatusFailed, job.Status)
	assert.Equal(t, schema.StatusFailed, job.Strategies["n=1"].Status)
	assert.Equal(t, schema.StatusCancel, job.Strategies["n=2"].Status)
	assert.Equal(t, schema.StatusCancel, job.Strategies["n=3"].Status)
	require.Contains(t, job.StrategyErrors, "n=1")
	assert.Equal(t, "first failed", job.StrategyErrors["n=1"].Message)
}

func TestExecute_AllowPartialFailure(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"m": {
				AllowPartialFailure: true,
				Strategy:            &schema.StrategyDefinition{Matrix: map[string][]any{"n": {1, 2}}},
				Stages: []schema.StageDefinition{
					codeStage("s", `matrix.n == 1 ? {"errors": "nope"} : {"ok": true}`),
				},
			},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-p")
	require.NoError(t, err)
	job := out.Jobs["m"]
	assert.Equal(t, schema.StatusSuccess, job.Status)
	assert.Equal(t, schema.StatusFailed, job.Strategies["n=1"].Status)
	assert.Contains(t, job.StrategyErrors, "n=1")
	assert.Equal(t, schema.StatusSuccess, out.Status)
}

func TestExecute_CancelDuringMatrix(t *testing.T) {
	var started int64
	startedCh := make(chan struct{}, 3)
	release := make(chan struct{})
	hooks := stages.Hooks{
		OnStart: func(context.Context, *schema.StageDefinition) {
			atomic.AddInt64(&started, 1)
			startedCh <- struct{}{}
			<-release
		},
	}
	e := newTestEngine(t, WithStageOptions(stages.WithHooks(hooks)))

	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"x": {
				Strategy: &schema.StrategyDefinition{Matrix: map[string][]any{"n": {1, 2, 3}}, MaxParallel: 2},
				Stages:   []schema.StageDefinition{{ID: "work"}},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		out *schema.Context
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.Execute(ctx, wf, nil, "run-x")
		done <- result{out, err}
	}()

	<-startedCh
	<-startedCh
	cancel()
	// Let the blocked third submission observe the signal before slots free up.
	time.Sleep(20 * time.Millisecond)
	close(release)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}
	require.NoError(t, r.err)

	job := r.out.Jobs["x"]
	assert.Equal(t, schema.StatusCancel, job.Status)
	assert.Equal(t, schema.StatusCancel, r.out.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&started))

	var success, cancelled int
	for _, s := range job.Strategies {
		switch s.Status {
		case schema.StatusSuccess:
			success++
		case schema.StatusCancel:
			cancelled++
		}
	}
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, cancelled)
}

func TestExecute_JobConcurrencyCap(t *testing.T) {
	probe := &concurrencyProbe{}
	e := newTestEngine(t, WithStageOptions(stages.WithHooks(probe.hooks())))

	jobs := make(map[string]*schema.JobDefinition)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		jobs[id] = &schema.JobDefinition{Stages: []schema.StageDefinition{{ID: "s", Sleep: "15ms"}}}
	}
	out, err := e.Execute(context.Background(), &schema.WorkflowDefinition{Jobs: jobs, MaxParallel: 2}, nil, "run-cap")
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, out.Status)
	assert.LessOrEqual(t, atomic.LoadInt64(&probe.max), int64(2))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&probe.max), int64(1))
}

func TestExecute_StrategyConcurrencyCap(t *testing.T) {
	probe := &concurrencyProbe{}
	e := newTestEngine(t, WithStageOptions(stages.WithHooks(probe.hooks())))

	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"m": {
				Strategy: &schema.StrategyDefinition{Matrix: map[string][]any{"n": {1, 2, 3, 4, 5}}, MaxParallel: 3},
				Stages:   []schema.StageDefinition{{ID: "s", Sleep: "15ms"}},
			},
		},
	}
	out, err := e.Execute(context.Background(), wf, nil, "run-scap")
	require.NoError(t, err)

	assert.Len(t, out.Jobs["m"].Strategies, 5)
	assert.LessOrEqual(t, atomic.LoadInt64(&probe.max), int64(3))
}

func TestExecute_StageOrdering(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	hooks := stages.Hooks{
		OnStart: func(_ context.Context, s *schema.StageDefinition) {
			mu.Lock()
			events = append(events, "start:"+s.ID)
			mu.Unlock()
		},
		OnFinish: func(_ context.Context, s *schema.StageDefinition, _ *schema.StageResult) {
			mu.Lock()
			events = append(events, "finish:"+s.ID)
			mu.Unlock()
		},
	}
	e := newTestEngine(t, WithStageOptions(stages.WithHooks(hooks)))

	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {Stages: []schema.StageDefinition{{ID: "one", Sleep: "5ms"}, {ID: "two"}, {ID: "three"}}},
		},
	}
	_, err := e.Execute(context.Background(), wf, nil, "run-o")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"start:one", "finish:one",
		"start:two", "finish:two",
		"start:three", "finish:three",
	}, events)
}

func TestExecute_WorkflowTimeoutCancels(t *testing.T) {
	e := newTestEngine(t)
	wf := &schema.WorkflowDefinition{
		Timeout: "30ms",
		Jobs: map[string]*schema.JobDefinition{
			"slow": {Stages: []schema.StageDefinition{{ID: "wait", Sleep: "100ms"}, {ID: "after"}}},
			"next": {Needs: []string{"slow"}, TriggerRule: schema.TriggerAllDone, Stages: []schema.StageDefinition{{ID: "s"}}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-to")
	require.NoError(t, err)

	slow := out.Jobs["slow"]
	assert.Equal(t, schema.StatusSuccess, slow.Stages["wait"].Status, "a started stage is never preempted")
	assert.Equal(t, schema.StatusCancel, slow.Stages["after"].Status)
	assert.Equal(t, schema.StatusCancel, slow.Status)
	assert.Equal(t, schema.StatusCancel, out.Jobs["next"].Status)
	assert.Equal(t, schema.StatusCancel, out.Status)
	require.NotNil(t, out.Errors)
	assert.Equal(t, schema.ErrCodeTimeout, out.Errors.Name)
}

func TestExecute_TimeoutStillRecordsTransitions(t *testing.T) {
	app := &liveAppender{}
	e := newTestEngine(t, WithEventAppender(app))
	wf := &schema.WorkflowDefinition{
		Timeout: "30ms",
		Jobs: map[string]*schema.JobDefinition{
			"slow": {Stages: []schema.StageDefinition{{ID: "wait", Sleep: "100ms"}, {ID: "after"}}},
			"next": {Needs: []string{"slow"}, Stages: []schema.StageDefinition{{ID: "s"}}},
		},
	}

	out, err := e.Execute(context.Background(), wf, nil, "run-late")
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancel, out.Status)

	assert.Equal(t, []string{schema.EventJobStarted, schema.EventJobCancelled}, app.Types("slow"))
	assert.Equal(t, []string{schema.EventJobCancelled}, app.Types("next"))
	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowCancelled}, app.Types("run-late"))
}

func TestExecute_FatalErrorsReturnNoContext(t *testing.T) {
	e := newTestEngine(t)

	cyclic := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {Needs: []string{"b"}},
			"b": {Needs: []string{"a"}},
		},
	}
	out, err := e.Execute(context.Background(), cyclic, nil, "")
	assert.Nil(t, out)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDependencyCycle))

	typed := &schema.WorkflowDefinition{
		Params: map[string]schema.ParamDefinition{"n": {Type: schema.ParamTypeInt, Required: true}},
		Jobs:   map[string]*schema.JobDefinition{"a": {Stages: []schema.StageDefinition{{ID: "s"}}}},
	}
	out, err = e.Execute(context.Background(), typed, map[string]any{"n": "not-a-number"}, "")
	assert.Nil(t, out)
	assert.True(t, schema.HasCode(err, schema.ErrCodeParameterValidation))

	out, err = e.Execute(context.Background(), typed, nil, "")
	assert.Nil(t, out)
	assert.True(t, schema.HasCode(err, schema.ErrCodeParameterValidation))
}

func TestExecute_EmitsTransitionEvents(t *testing.T) {
	app := &mockAppender{}
	e := newTestEngine(t, WithEventAppender(app))
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {Stages: []schema.StageDefinition{failingStage("s")}},
			"b": {Needs: []string{"a"}, Stages: []schema.StageDefinition{{ID: "s"}}},
		},
	}

	_, err := e.Execute(context.Background(), wf, nil, "run-ev")
	require.NoError(t, err)

	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowFailed}, app.Types("run-ev"))
	assert.Equal(t, []string{schema.EventJobStarted, schema.EventJobFailed}, app.Types("a"))
	assert.Equal(t, []string{schema.EventJobSkipped}, app.Types("b"))
	for _, ev := range app.Events() {
		assert.Equal(t, "run-ev", ev.RunID)
	}
}

func TestExecute_ObservesTraceSink(t *testing.T) {
	rec := trace.NewRecorder()
	e := newTestEngine(t, WithTrace(rec))
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{"a": {Stages: []schema.StageDefinition{failingStage("s")}}},
	}
	_, err := e.Execute(context.Background(), wf, nil, "run-tr")
	require.NoError(t, err)

	msgs := rec.Messages()
	assert.Contains(t, msgs, "info: workflow started")
	assert.Contains(t, msgs, "info: job started")
	assert.Contains(t, msgs, "error: job failed")
	assert.Contains(t, msgs, "error: workflow failed")
}

// spanRecorder is a noop tracer that keeps the names of started spans.
type spanRecorder struct {
	noop.Tracer
	mu    sync.Mutex
	names []string
}

func (r *spanRecorder) Start(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestExecute_StartsSpansPerUnit(t *testing.T) {
	tracer := &spanRecorder{}
	e := newTestEngine(t, WithTracer(tracer))
	wf := &schema.WorkflowDefinition{
		Jobs: map[string]*schema.JobDefinition{
			"a": {
				Strategy: &schema.StrategyDefinition{Matrix: map[string][]any{"k": {1, 2}}},
				Stages:   []schema.StageDefinition{{ID: "s"}},
			},
		},
	}

	_, err := e.Execute(context.Background(), wf, nil, "run-sp")
	require.NoError(t, err)

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	assert.ElementsMatch(t, []string{"workflow.execute", "job.run", "strategy.run", "strategy.run"}, tracer.names)
}
