package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/metrics"
	"github.com/rendis/jobflow/internal/runctx"
	"github.com/rendis/jobflow/internal/validation"
	"github.com/rendis/jobflow/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Execute runs a workflow to completion and returns its terminal Context.
// An empty runID gets a generated one.
//
// Invalid parameters, a cyclic needs graph and scope conflicts abort the run
// and are returned as the error with a nil Context. Every other fault ends up
// as an ErrorInfo inside the returned Context.
func (e *Engine) Execute(ctx context.Context, wf *schema.WorkflowDefinition, params map[string]any, runID string) (*schema.Context, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	typed, err := validation.CastParams(wf.Params, params)
	if err != nil {
		return nil, err
	}
	dag, err := ParseDAG(wf)
	if err != nil {
		return nil, err
	}

	var timeout time.Duration
	if wf.Timeout != "" {
		timeout, err = time.ParseDuration(wf.Timeout)
		if err != nil || timeout <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow timeout %q", wf.Timeout)
		}
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "workflow.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("workflow", wf.Name),
		attribute.Int("jobs", len(dag.Jobs)),
	)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	st := runctx.New(runID, wf.Name, typed, wf.Env, start.UTC())
	if err := st.SetRunning(); err != nil {
		return nil, err
	}
	e.transition(ctx, runID, schema.UnitWorkflow, runID, schema.StatusPending, schema.StatusRunning, nil)
	e.sink.Info(ctx, "workflow started", "workflow", wf.Name, "jobs", len(dag.Jobs))

	errInfo, fatal := e.schedule(runCtx, st, wf, dag)
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "workflow aborted")
		e.sink.Exception(ctx, "workflow aborted", fatal, "workflow", wf.Name)
		e.transition(ctx, runID, schema.UnitWorkflow, runID, schema.StatusRunning, schema.StatusFailed, schema.ErrorInfoFrom(fatal))
		e.metrics.Observe(metrics.UnitWorkflow, string(schema.StatusFailed), time.Since(start))
		return nil, fatal
	}

	status, jobErr := workflowStatus(st, dag)
	switch {
	case errInfo != nil:
		status = schema.StatusFailed
	case status == schema.StatusFailed:
		errInfo = jobErr
	case status == schema.StatusCancel && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		errInfo = &schema.ErrorInfo{
			Name:    schema.ErrCodeTimeout,
			Message: "workflow exceeded its timeout of " + wf.Timeout,
		}
	}

	if err := st.Finish(status, errInfo, time.Now().UTC()); err != nil {
		return nil, err
	}
	e.transition(ctx, runID, schema.UnitWorkflow, runID, schema.StatusRunning, status, errInfo)
	e.metrics.Observe(metrics.UnitWorkflow, string(status), time.Since(start))

	if status == schema.StatusFailed {
		span.SetStatus(codes.Error, "workflow failed")
		e.sink.Error(ctx, "workflow failed", "workflow", wf.Name, "error", errString(errInfo))
	} else {
		span.SetStatus(codes.Ok, "workflow finished")
		e.sink.Info(ctx, "workflow finished", "workflow", wf.Name, "status", string(status))
	}
	return st.Snapshot(), nil
}

type jobOutcome struct {
	id  string
	res *schema.JobResult
	err error
}

// schedule drives every job of the DAG to a terminal status. A job becomes
// ready once all its needs are terminal; ready jobs run through a bounded
// pool sized by the workflow's max_parallel. Once the run signal is raised,
// jobs that have not started are cancelled.
//
// The returned ErrorInfo records a fault that escaped a job controller; the
// error is fatal and aborts the run.
func (e *Engine) schedule(ctx context.Context, st *runctx.Store, wf *schema.WorkflowDefinition, dag *DAG) (*schema.ErrorInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := wf.MaxParallel
	if limit <= 0 {
		limit = e.maxParallel
	}
	pool := NewWorkerPool(limit, WithRunningGauge(e.metrics, metrics.PoolJobs))
	defer pool.Wait()

	runID := st.RunID()
	done := make(chan jobOutcome, len(dag.Jobs))
	unmet := make(map[string]int, len(dag.Jobs))
	for id := range dag.Jobs {
		unmet[id] = len(dag.Edges[id])
	}
	ready := append([]string(nil), dag.Roots...)

	var (
		finished int
		inflight int
		escaped  *schema.ErrorInfo
	)

	commit := func(id string, res *schema.JobResult) error {
		if err := st.Commit(runctx.Root().Job(id), res); err != nil {
			return err
		}
		finished++
		for _, dependent := range dag.Reverse[id] {
			unmet[dependent]--
			if unmet[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		return nil
	}

	for finished < len(dag.Jobs) {
		for len(ready) > 0 {
			sort.Strings(ready)
			id := ready[0]
			ready = ready[1:]
			job := dag.Jobs[id]

			if ctx.Err() != nil {
				if err := e.settle(ctx, runID, id, schema.StatusCancel, commit); err != nil {
					return nil, err
				}
				continue
			}

			statuses := make([]schema.Status, len(job.Needs))
			for i, need := range job.Needs {
				statuses[i] = st.JobStatus(need)
			}
			run, err := EvaluateTrigger(job.TriggerRule, statuses)
			if err != nil {
				e.sink.Exception(ctx, "trigger rule failed", err, "job", id)
			}
			if !run {
				e.sink.Info(ctx, "job skipped by trigger rule", "job", id, "rule", string(job.TriggerRule))
				if err := e.settle(ctx, runID, id, schema.StatusSkip, commit); err != nil {
					return nil, err
				}
				continue
			}

			inflight++
			err = pool.Submit(ctx, func(jctx context.Context) error {
				o := jobOutcome{id: id}
				defer func() {
					if r := recover(); r != nil {
						o.res, o.err = nil, &schema.PanicError{Value: r}
					}
					done <- o
				}()
				o.res, o.err = e.runJob(jctx, st, wf, job)
				return o.err
			})
			if err != nil {
				inflight--
				if err := e.settle(ctx, runID, id, schema.StatusCancel, commit); err != nil {
					return nil, err
				}
			}
		}

		if inflight == 0 {
			break
		}
		o := <-done
		inflight--

		res := o.res
		if o.err != nil {
			if schema.IsFatal(o.err) {
				cancel()
				return nil, o.err
			}
			info := schema.ErrorInfoFrom(o.err)
			if escaped == nil {
				escaped = info
			}
			e.sink.Exception(ctx, "job controller fault", o.err, "job", o.id)
			e.transition(ctx, runID, schema.UnitJob, o.id, schema.StatusRunning, schema.StatusFailed, info)
			res = &schema.JobResult{Status: schema.StatusFailed, Errors: info}
		}
		if err := commit(o.id, res); err != nil {
			cancel()
			return nil, err
		}
	}

	return escaped, nil
}

// settle records a job that never started.
func (e *Engine) settle(ctx context.Context, runID, id string, status schema.Status, commit func(string, *schema.JobResult) error) error {
	e.transition(ctx, runID, schema.UnitJob, id, schema.StatusPending, status, nil)
	e.metrics.Observe(metrics.UnitJob, string(status), 0)
	return commit(id, &schema.JobResult{Status: status})
}

// workflowStatus folds job statuses: FAILED if any job failed, else CANCEL
// if any was cancelled, else SUCCESS. Skipped jobs do not fail the run. The
// ErrorInfo is that of the first failed job in topological order.
func workflowStatus(st *runctx.Store, dag *DAG) (schema.Status, *schema.ErrorInfo) {
	snap := st.Snapshot()
	var (
		cancelled bool
		firstErr  *schema.ErrorInfo
		failedID  string
	)
	for _, id := range dag.Sorted {
		res := snap.Jobs[id]
		if res == nil {
			continue
		}
		switch res.Status {
		case schema.StatusFailed:
			if failedID == "" {
				failedID = id
				firstErr = JobErrorInfo(res)
			}
		case schema.StatusCancel:
			cancelled = true
		}
	}
	switch {
	case failedID != "":
		if firstErr == nil {
			firstErr = &schema.ErrorInfo{Name: schema.ErrCodeStageFault, Message: "job " + failedID + " failed"}
		}
		return schema.StatusFailed, firstErr
	case cancelled:
		return schema.StatusCancel, nil
	default:
		return schema.StatusSuccess, nil
	}
}
