package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/pkg/schema"
)

func TestEvaluateTrigger(t *testing.T) {
	const (
		ok   = schema.StatusSuccess
		fail = schema.StatusFailed
		skip = schema.StatusSkip
		canc = schema.StatusCancel
	)

	cases := []struct {
		rule     schema.TriggerRule
		statuses []schema.Status
		want     bool
	}{
		{"", []schema.Status{ok, ok}, true},
		{"", []schema.Status{ok, fail}, false},
		{schema.TriggerAllSuccess, []schema.Status{ok, skip}, false},
		{schema.TriggerAllFailed, []schema.Status{fail, fail}, true},
		{schema.TriggerAllFailed, []schema.Status{fail, ok}, false},
		{schema.TriggerAllDone, []schema.Status{fail, skip, canc}, true},
		{schema.TriggerOneSuccess, []schema.Status{fail, ok}, true},
		{schema.TriggerOneSuccess, []schema.Status{fail, skip}, false},
		{schema.TriggerOneFailed, []schema.Status{ok, fail}, true},
		{schema.TriggerAnyFailed, []schema.Status{ok, fail}, true},
		{schema.TriggerAnyFailed, []schema.Status{ok, ok}, false},
		{schema.TriggerNoneFailed, []schema.Status{ok, skip}, true},
		{schema.TriggerNoneFailed, []schema.Status{ok, fail}, false},
		{schema.TriggerNoneSkipped, []schema.Status{ok, fail}, true},
		{schema.TriggerNoneSkipped, []schema.Status{ok, skip}, false},
	}
	for _, c := range cases {
		got, err := EvaluateTrigger(c.rule, c.statuses)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s %v", c.rule, c.statuses)
	}
}

func TestEvaluateTrigger_NoNeedsAlwaysRuns(t *testing.T) {
	run, err := EvaluateTrigger(schema.TriggerAllFailed, nil)
	require.NoError(t, err)
	assert.True(t, run)
}

func TestEvaluateTrigger_UnknownRule(t *testing.T) {
	_, err := EvaluateTrigger("whenever", []schema.Status{schema.StatusSuccess})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.False(t, ValidTriggerRule("whenever"))
	assert.True(t, ValidTriggerRule(""))
}
