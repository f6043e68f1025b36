package runctx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New("run-1", "etl", map[string]any{"name": "demo", "n": 3}, map[string]string{"STAGE": "dev"}, time.Unix(0, 0).UTC())
}

func TestStore_ViewExposesRoots(t *testing.T) {
	s := newTestStore(t)
	data := s.ViewFor(Root()).Data()

	assert.Equal(t, "demo", data["params"].(map[string]any)["name"])
	assert.Equal(t, 3, data["params"].(map[string]any)["n"])
	assert.Equal(t, "dev", data["env"].(map[string]any)["STAGE"])
	assert.Equal(t, "run-1", data["run"].(map[string]any)["id"])
	assert.Empty(t, data["jobs"])
	assert.NotContains(t, data, "item")
}

func TestStore_ParamsAreFrozen(t *testing.T) {
	params := map[string]any{"list": []any{"a"}}
	s := New("run-1", "wf", params, nil, time.Now())
	params["list"].([]any)[0] = "mutated"

	got := s.ViewFor(Root()).Params()
	assert.Equal(t, "a", got["list"].([]any)[0])
}

func TestStore_CommitAndView(t *testing.T) {
	s := newTestStore(t)
	res := &schema.JobResult{
		Status: schema.StatusSuccess,
		Stages: map[string]*schema.StageResult{"extract": schema.StageSuccess(map[string]any{"rows": 42})},
	}
	require.NoError(t, s.Commit(Root().Job("a"), res))

	// Mutating the committed value after the fact must not leak in.
	res.Stages["extract"].Outputs["rows"] = 0

	jobs := s.ViewFor(Root()).Data()["jobs"].(map[string]any)
	stage := jobs["a"].(map[string]any)["stages"].(map[string]any)["extract"].(map[string]any)
	assert.Equal(t, 42, stage["outputs"].(map[string]any)["rows"])
	assert.Equal(t, schema.StatusSuccess, s.JobStatus("a"))
	assert.Equal(t, schema.StatusPending, s.JobStatus("b"))
}

func TestStore_CommitTerminalSlotConflicts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Commit(Root().Job("a"), &schema.JobResult{Status: schema.StatusFailed}))

	err := s.Commit(Root().Job("a"), &schema.JobResult{Status: schema.StatusSuccess})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeScopeConflict))
	assert.Equal(t, schema.StatusFailed, s.JobStatus("a"))
}

func TestStore_NonTerminalJobIsInvisible(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Commit(Root().Job("a"), &schema.JobResult{Status: schema.StatusRunning}))
	assert.NotContains(t, s.ViewFor(Root()).Data()["jobs"], "a")

	require.NoError(t, s.Commit(Root().Job("a"), &schema.JobResult{Status: schema.StatusSuccess}))
	assert.Contains(t, s.ViewFor(Root()).Data()["jobs"], "a")
}

func TestStore_CommitRejectsNonJobPath(t *testing.T) {
	s := newTestStore(t)
	err := s.Commit(Root().Job("a").Strategy("k"), &schema.JobResult{Status: schema.StatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeScopeConflict))
}

func TestStore_FinishOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetRunning())
	require.NoError(t, s.Finish(schema.StatusSuccess, nil, time.Now()))
	assert.Error(t, s.Finish(schema.StatusFailed, nil, time.Now()))
	assert.Error(t, s.SetRunning())

	snap := s.Snapshot()
	assert.Equal(t, schema.StatusSuccess, snap.Status)
	require.NotNil(t, snap.CompletedAt)
}

func TestStore_ConcurrentSnapshotsDuringCommits(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = s.Commit(Root().Job(id), &schema.JobResult{Status: schema.StatusSuccess})
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
			_ = s.ViewFor(Root())
		}()
	}
	wg.Wait()
	assert.Len(t, s.Snapshot().Jobs, 20)
}

func TestPath_String(t *testing.T) {
	assert.Equal(t, "$", Root().String())
	assert.Equal(t, "jobs.build.stages.extract", Root().Job("build").Stage("extract").String())
	assert.Equal(t, `jobs.build.strategies["mode=a,size=1"]`, Root().Job("build").Strategy("mode=a,size=1").String())
	assert.Equal(t, "build", Root().Job("build").Strategy("x").JobID())
}
