package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/metrics"
	"github.com/rendis/jobflow/internal/provider"
	"github.com/rendis/jobflow/internal/runctx"
	"github.com/rendis/jobflow/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// runJob is the job controller. It evaluates the job guard, drives the job
// through its transitions and delegates to the strategy runner or to a
// remote provider. Dependency gating and trigger rules are decided by the
// caller. The returned error is reserved for scope conflicts.
func (e *Engine) runJob(ctx context.Context, st *runctx.Store, wf *schema.WorkflowDefinition, job *schema.JobDefinition) (*schema.JobResult, error) {
	runID := st.RunID()
	ctx = logging.WithJobID(ctx, job.ID)
	ctx, span := e.tracer.Start(ctx, "job.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("job_id", job.ID),
		attribute.String("runs_on", runsOnName(job)),
	)

	view := st.ViewFor(runctx.Root()).ForJob(job.ID, job.Env)

	var guardErr error
	if job.If != "" {
		ok, err := e.stages.CEL().EvaluateBool(ctx, job.If, view.Data())
		switch {
		case err != nil:
			guardErr = err
		case !ok:
			e.transition(ctx, runID, schema.UnitJob, job.ID, schema.StatusPending, schema.StatusSkip, nil)
			e.sink.Info(ctx, "job skipped by guard", "job", job.ID)
			e.metrics.Observe(metrics.UnitJob, string(schema.StatusSkip), 0)
			return &schema.JobResult{Status: schema.StatusSkip}, nil
		}
	}

	start := time.Now()
	e.transition(ctx, runID, schema.UnitJob, job.ID, schema.StatusPending, schema.StatusRunning, nil)
	e.sink.Info(ctx, "job started", "job", job.ID, "runs_on", runsOnName(job))

	var res *schema.JobResult
	switch {
	case guardErr != nil:
		e.sink.Exception(ctx, "job guard failed", guardErr, "job", job.ID)
		res = failedJob(guardErr)
	case job.RunsOn.IsLocal():
		var err error
		res, err = e.runStrategies(ctx, job, view)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "job aborted")
			return nil, err
		}
	default:
		res = e.runRemote(ctx, st, wf, job, view)
	}

	errInfo := JobErrorInfo(res)
	e.transition(ctx, runID, schema.UnitJob, job.ID, schema.StatusRunning, res.Status, errInfo)
	e.metrics.Observe(metrics.UnitJob, string(res.Status), time.Since(start))
	if res.Status == schema.StatusFailed {
		span.SetStatus(codes.Error, "job failed")
		e.sink.Error(ctx, "job failed", "job", job.ID, "error", errString(errInfo))
	} else {
		e.sink.Info(ctx, "job finished", "job", job.ID, "status", string(res.Status))
	}
	return res, nil
}

// runRemote hands the job to the provider registered for its runs_on type.
// Cleanup runs exactly once whenever Execute was attempted.
func (e *Engine) runRemote(ctx context.Context, st *runctx.Store, wf *schema.WorkflowDefinition, job *schema.JobDefinition, view *runctx.View) *schema.JobResult {
	name := job.RunsOn.Type
	p, ok := e.providers.Get(name)
	if !ok {
		return failedJob(schema.NewErrorf(schema.ErrCodeProviderFault,
			"no provider registered for runs_on type %q", name).WithUnit(job.ID))
	}

	var timeout time.Duration
	if job.Timeout != "" {
		d, err := time.ParseDuration(job.Timeout)
		if err != nil || d <= 0 {
			return failedJob(schema.NewErrorf(schema.ErrCodeValidation,
				"job %q: invalid timeout %q", job.ID, job.Timeout).WithUnit(job.ID))
		}
		timeout = d
	}

	req := &provider.Request{
		RunID:    st.RunID(),
		Workflow: wf.Name,
		JobID:    job.ID,
		Job:      job,
		Params:   view.Params(),
		Env:      stringEnv(view.Env()),
		Needs:    needsResults(st, job.Needs),
	}

	defer p.Cleanup(context.WithoutCancel(ctx), req.RunID, job.ID)

	pctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := p.Execute(pctx, req)
	switch {
	case err != nil && ctx.Err() != nil:
		e.sink.Warning(ctx, "remote job cancelled", "job", job.ID, "provider", name)
		return &schema.JobResult{Status: schema.StatusCancel}
	case err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded):
		return failedJob(schema.NewErrorf(schema.ErrCodeProviderFault,
			"provider %s: job %q exceeded its timeout of %s", name, job.ID, job.Timeout).WithUnit(job.ID).WithCause(err))
	case err != nil:
		e.sink.Exception(ctx, "provider fault", err, "job", job.ID, "provider", name)
		return failedJob(providerFault(name, job.ID, err))
	case res == nil:
		return failedJob(schema.NewErrorf(schema.ErrCodeProviderFault,
			"provider %s returned no result for job %q", name, job.ID).WithUnit(job.ID))
	}

	switch res.Status {
	case schema.StatusSuccess, schema.StatusCancel:
		return res
	case schema.StatusFailed:
		// Stages and strategies stay as reported; the job error names the provider.
		msg := fmt.Sprintf("provider %s: job %s failed remotely", name, job.ID)
		if remote := JobErrorInfo(res); remote != nil {
			msg += ": " + remote.Name + ": " + remote.Message
		}
		res.Errors = &schema.ErrorInfo{Name: schema.ErrCodeProviderFault, Message: msg}
		return res
	default:
		return failedJob(schema.NewErrorf(schema.ErrCodeProviderFault,
			"provider %s returned non-terminal status %q for job %q", name, res.Status, job.ID).WithUnit(job.ID))
	}
}

// RunJob executes a job handed off by a remote provider. It rebuilds the
// job's read view from the request and runs the local strategy runner; the
// job guard and trigger rule were already decided by the submitting engine.
func (e *Engine) RunJob(ctx context.Context, req *provider.Request) (*schema.JobResult, error) {
	if req == nil || req.Job == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "job request has no job definition")
	}
	job := *req.Job
	if job.ID == "" {
		job.ID = req.JobID
	}

	ctx = logging.WithIDs(ctx, req.RunID, job.ID)
	st := runctx.New(req.RunID, req.Workflow, req.Params, req.Env, time.Now().UTC())
	ids := make([]string, 0, len(req.Needs))
	for id := range req.Needs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := st.Commit(runctx.Root().Job(id), req.Needs[id]); err != nil {
			return nil, err
		}
	}

	view := st.ViewFor(runctx.Root()).ForJob(job.ID, nil)
	return e.runStrategies(ctx, &job, view)
}

// JobErrorInfo returns the error of a job result: its own ErrorInfo, or the
// error of the first failed strategy in key order.
func JobErrorInfo(res *schema.JobResult) *schema.ErrorInfo {
	if res == nil {
		return nil
	}
	if res.Errors != nil {
		return res.Errors
	}
	keys := make([]string, 0, len(res.StrategyErrors))
	for k := range res.StrategyErrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if info := res.StrategyErrors[k]; info != nil {
			return info
		}
	}
	return nil
}

// transition records a unit status change. The append outlives the run's
// cancellation so cancelled and timed-out units still reach the event log.
func (e *Engine) transition(ctx context.Context, runID string, kind schema.UnitKind, id string, from, to schema.Status, info *schema.ErrorInfo) {
	if err := e.fsm.Transition(context.WithoutCancel(ctx), runID, kind, id, from, to, info); err != nil {
		e.sink.Exception(ctx, "unit transition not recorded", err, "unit", id, "from", string(from), "to", string(to))
	}
}

func failedJob(err error) *schema.JobResult {
	return &schema.JobResult{Status: schema.StatusFailed, Errors: schema.ErrorInfoFrom(err)}
}

func providerFault(name, jobID string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeProviderFault {
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeProviderFault, "provider %s: %s", name, err.Error()).
		WithUnit(jobID).WithCause(err)
}

func needsResults(st *runctx.Store, needs []string) map[string]*schema.JobResult {
	if len(needs) == 0 {
		return nil
	}
	snap := st.Snapshot()
	out := make(map[string]*schema.JobResult, len(needs))
	for _, id := range needs {
		if r, ok := snap.Jobs[id]; ok {
			out[id] = r
		}
	}
	return out
}

func stringEnv(env map[string]any) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func runsOnName(job *schema.JobDefinition) string {
	if job.RunsOn.IsLocal() {
		return schema.ProviderLocal
	}
	return job.RunsOn.Type
}

func errString(info *schema.ErrorInfo) string {
	if info == nil {
		return ""
	}
	return info.Name + ": " + info.Message
}
