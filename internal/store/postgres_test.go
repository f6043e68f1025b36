package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/pkg/schema"
)

// Set JOBFLOW_TEST_POSTGRES_URL to run these against a scratch database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("JOBFLOW_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("JOBFLOW_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_RunRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	c := sampleContext("pg-etl-"+uuid.NewString()[:8], schema.StatusFailed, time.Now().UTC().Truncate(time.Millisecond))

	require.NoError(t, s.SaveRun(ctx, NewRun(c)))
	t.Cleanup(func() { _ = s.DeleteRun(context.Background(), c.RunID) })

	got, err := s.GetRun(ctx, c.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrNamePanic, got.Error.Name)
	assert.Equal(t, schema.StatusSuccess, got.Context.Jobs["extract"].Status)

	listed, err := s.ListRuns(ctx, RunFilter{Workflow: c.Workflow})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = s.GetRun(ctx, uuid.NewString())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestPostgres_EventSequence(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	runID := uuid.NewString()

	for i := 0; i < 3; i++ {
		e := &Event{RunID: runID, UnitKind: schema.UnitJob, UnitID: "a", Type: schema.EventJobStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotZero(t, e.ID)
	}

	events, err := s.GetEvents(ctx, runID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	byType, err := s.GetEventsByType(ctx, schema.EventJobStarted, EventFilter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, byType, 3)
}
