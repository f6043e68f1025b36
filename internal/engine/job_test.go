package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/internal/provider"
	"github.com/rendis/jobflow/pkg/schema"
)

// fakeProvider is a scriptable remote backend.
type fakeProvider struct {
	name string
	run  func(ctx context.Context, req *provider.Request) (*schema.JobResult, error)

	mu       sync.Mutex
	requests []*provider.Request
	cleanups []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Execute(ctx context.Context, req *provider.Request) (*schema.JobResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.run(ctx, req)
}

func (f *fakeProvider) Cleanup(_ context.Context, runID, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, runID+"/"+jobID)
}

func (f *fakeProvider) Cleanups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleanups...)
}

func (f *fakeProvider) LastRequest() *provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func engineWith(t *testing.T, providers ...provider.Provider) *Engine {
	t.Helper()
	reg, err := provider.NewRegistry(providers...)
	require.NoError(t, err)
	return newTestEngine(t, WithProviders(reg))
}

func remoteWorkflow(runsOn string, timeout string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:   "remote",
		Params: map[string]schema.ParamDefinition{"factor": {Type: schema.ParamTypeInt, Default: 10}},
		Env:    map[string]string{"REGION": "eu"},
		Jobs: map[string]*schema.JobDefinition{
			"a": {Stages: []schema.StageDefinition{codeStage("s", `{"n": 2}`)}},
			"b": {
				Needs:   []string{"a"},
				RunsOn:  schema.RunsOn{Type: runsOn},
				Timeout: timeout,
				Env:     map[string]string{"TIER": "batch"},
				Strategy: &schema.StrategyDefinition{
					Matrix: map[string][]any{"k": {1, 2}},
				},
				Stages: []schema.StageDefinition{
					codeStage("calc", `{"v": jobs.a.stages.s.outputs.n * params.factor * matrix.k, "tier": env.TIER}`),
				},
			},
		},
	}
}

func TestRemoteJob_MatchesLocalExecution(t *testing.T) {
	worker := newTestEngine(t)
	remote := &fakeProvider{name: "queue", run: worker.RunJob}
	e := engineWith(t, remote)

	local, err := e.Execute(context.Background(), remoteWorkflow("", ""), nil, "run-local")
	require.NoError(t, err)
	viaProvider, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), nil, "run-remote")
	require.NoError(t, err)

	require.Equal(t, schema.StatusSuccess, local.Jobs["b"].Status)
	assert.Equal(t, 40, local.Jobs["b"].Strategies["k=2"].Stages["calc"].Outputs["v"])
	if diff := cmp.Diff(local.Jobs["b"], viaProvider.Jobs["b"]); diff != "" {
		t.Errorf("remote result differs from local (-local +remote):\n%s", diff)
	}
	assert.Equal(t, []string{"run-remote/b"}, remote.Cleanups())
}

func TestRemoteJob_RequestCarriesReadView(t *testing.T) {
	remote := &fakeProvider{name: "queue", run: func(context.Context, *provider.Request) (*schema.JobResult, error) {
		return &schema.JobResult{Status: schema.StatusSuccess, Stages: map[string]*schema.StageResult{}}, nil
	}}
	e := engineWith(t, remote)

	_, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), map[string]any{"factor": 3}, "run-req")
	require.NoError(t, err)

	req := remote.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "run-req", req.RunID)
	assert.Equal(t, "remote", req.Workflow)
	assert.Equal(t, "b", req.JobID)
	assert.Equal(t, 3, req.Params["factor"])
	assert.Equal(t, "eu", req.Env["REGION"])
	assert.Equal(t, "batch", req.Env["TIER"])
	require.Contains(t, req.Needs, "a")
	assert.Equal(t, schema.StatusSuccess, req.Needs["a"].Status)
	assert.Equal(t, 2, req.Needs["a"].Stages["s"].Outputs["n"])
}

func TestRemoteJob_ProviderFault(t *testing.T) {
	remote := &fakeProvider{name: "queue", run: func(context.Context, *provider.Request) (*schema.JobResult, error) {
		return nil, errors.New("broker unreachable")
	}}
	e := engineWith(t, remote)

	out, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), nil, "run-pf")
	require.NoError(t, err)

	job := out.Jobs["b"]
	assert.Equal(t, schema.StatusFailed, job.Status)
	require.NotNil(t, job.Errors)
	assert.Equal(t, schema.ErrCodeProviderFault, job.Errors.Name)
	assert.Contains(t, job.Errors.Message, "queue")
	assert.Equal(t, schema.StatusFailed, out.Status)
	assert.Equal(t, []string{"run-pf/b"}, remote.Cleanups())
}

func TestRemoteJob_FailureWithoutErrorNamesProvider(t *testing.T) {
	remote := &fakeProvider{name: "queue", run: func(context.Context, *provider.Request) (*schema.JobResult, error) {
		return &schema.JobResult{Status: schema.StatusFailed}, nil
	}}
	e := engineWith(t, remote)

	out, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), nil, "run-rf")
	require.NoError(t, err)
	job := out.Jobs["b"]
	assert.Equal(t, schema.StatusFailed, job.Status)
	require.NotNil(t, job.Errors)
	assert.Equal(t, schema.ErrCodeProviderFault, job.Errors.Name)
	assert.Equal(t, "provider queue: job b failed remotely", job.Errors.Message)
}

func TestRemoteJob_RemoteErrorIsWrappedWithProvider(t *testing.T) {
	remote := &fakeProvider{name: "queue", run: func(context.Context, *provider.Request) (*schema.JobResult, error) {
		return &schema.JobResult{
			Status: schema.StatusFailed,
			Strategies: map[string]*schema.StrategyResult{
				"k=1": {Status: schema.StatusFailed, Stages: map[string]*schema.StageResult{
					"calc": {Status: schema.StatusFailed, Outputs: map[string]any{}},
				}},
			},
			StrategyErrors: map[string]*schema.ErrorInfo{"k=1": {Name: "ShellError", Message: "exit status 2"}},
		}, nil
	}}
	e := engineWith(t, remote)

	out, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), nil, "run-rw")
	require.NoError(t, err)
	job := out.Jobs["b"]
	assert.Equal(t, schema.StatusFailed, job.Status)
	require.NotNil(t, job.Errors)
	assert.Equal(t, schema.ErrCodeProviderFault, job.Errors.Name)
	assert.Equal(t, "provider queue: job b failed remotely: ShellError: exit status 2", job.Errors.Message)

	// The remote shape is kept.
	require.Contains(t, job.Strategies, "k=1")
	assert.Equal(t, schema.StatusFailed, job.Strategies["k=1"].Stages["calc"].Status)
	assert.Equal(t, "ShellError", job.StrategyErrors["k=1"].Name)
	assert.Equal(t, schema.ErrCodeProviderFault, out.Errors.Name)
}

func TestRemoteJob_NonTerminalStatusIsFault(t *testing.T) {
	remote := &fakeProvider{name: "queue", run: func(context.Context, *provider.Request) (*schema.JobResult, error) {
		return &schema.JobResult{Status: schema.StatusRunning}, nil
	}}
	e := engineWith(t, remote)

	out, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), nil, "run-nt")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, out.Jobs["b"].Status)
	assert.Equal(t, schema.ErrCodeProviderFault, out.Jobs["b"].Errors.Name)
}

func TestRemoteJob_Timeout(t *testing.T) {
	remote := &fakeProvider{name: "queue", run: func(ctx context.Context, _ *provider.Request) (*schema.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := engineWith(t, remote)

	out, err := e.Execute(context.Background(), remoteWorkflow("queue", "20ms"), nil, "run-rt")
	require.NoError(t, err)

	job := out.Jobs["b"]
	assert.Equal(t, schema.StatusFailed, job.Status)
	assert.Equal(t, schema.ErrCodeProviderFault, job.Errors.Name)
	assert.Contains(t, job.Errors.Message, "timeout")
	assert.Equal(t, []string{"run-rt/b"}, remote.Cleanups())
}

func TestRemoteJob_CancelledRun(t *testing.T) {
	started := make(chan struct{})
	remote := &fakeProvider{name: "queue", run: func(ctx context.Context, _ *provider.Request) (*schema.JobResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := engineWith(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out, err := e.Execute(ctx, remoteWorkflow("queue", ""), nil, "run-rc")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancel, out.Jobs["b"].Status)
	assert.Equal(t, schema.StatusCancel, out.Status)
	assert.Equal(t, []string{"run-rc/b"}, remote.Cleanups())
}

func TestRemoteJob_UnknownProvider(t *testing.T) {
	e := newTestEngine(t)

	out, err := e.Execute(context.Background(), remoteWorkflow("k8s", ""), nil, "run-up")
	require.NoError(t, err)
	job := out.Jobs["b"]
	assert.Equal(t, schema.StatusFailed, job.Status)
	assert.Equal(t, schema.ErrCodeProviderFault, job.Errors.Name)
	assert.Contains(t, job.Errors.Message, `"k8s"`)
}

func TestRemoteJob_BreakerOpensAfterFaults(t *testing.T) {
	calls := 0
	inner := &fakeProvider{name: "queue", run: func(context.Context, *provider.Request) (*schema.JobResult, error) {
		calls++
		return nil, errors.New("connection refused")
	}}
	guarded := provider.WithBreaker(inner, provider.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	e := engineWith(t, guarded)

	for i := 0; i < 3; i++ {
		out, err := e.Execute(context.Background(), remoteWorkflow("queue", ""), nil, "")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusFailed, out.Jobs["b"].Status)
	}
	assert.Equal(t, 1, calls)
	assert.Len(t, inner.Cleanups(), 3)
}

func TestRunJob_RequiresDefinition(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RunJob(context.Background(), &provider.Request{RunID: "r", JobID: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRunJob_FlatJob(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.RunJob(context.Background(), &provider.Request{
		RunID:  "r",
		JobID:  "x",
		Job:    &schema.JobDefinition{Stages: []schema.StageDefinition{codeStage("s", `{"p": params.p}`)}},
		Params: map[string]any{"p": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, res.Status)
	assert.Equal(t, "v", res.Stages["s"].Outputs["p"])
}
