package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/jobflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of any RunStore.
type EventLog struct {
	store RunStore
}

// NewEventLog wraps a RunStore to provide event-sourcing operations.
func NewEventLog(s RunStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event; the store assigns the per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeStore, "event has no run id")
	}
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// UnitKey identifies a unit inside a run's log: "workflow" or "job:<id>".
func UnitKey(kind schema.UnitKind, unitID string) string {
	if unitID == "" {
		return string(kind)
	}
	return string(kind) + ":" + unitID
}

// ReplayUnits replays all events of a run and returns the reconstructed unit
// states keyed by UnitKey. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayUnits(ctx context.Context, runID string) (map[string]*UnitState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*UnitState)
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}

		key := UnitKey(e.UnitKind, e.UnitID)
		us, ok := states[key]
		if !ok {
			us = &UnitState{RunID: runID, Kind: e.UnitKind, UnitID: e.UnitID, Status: schema.StatusPending}
			states[key] = us
		}

		var p TransitionPayload
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.Sequence, err)
			}
		}
		if p.To == "" {
			continue
		}

		ts := e.Timestamp
		us.Status = p.To
		switch {
		case p.To == schema.StatusRunning:
			us.StartedAt = &ts
		case p.To.IsTerminal():
			us.CompletedAt = &ts
			us.Error = p.Error
			if us.StartedAt != nil {
				us.DurationMs = ts.Sub(*us.StartedAt).Milliseconds()
			}
		}
	}
	return states, nil
}

// Timeline returns the replayed states ordered by start time, unstarted
// units last.
func Timeline(states map[string]*UnitState) []*UnitState {
	out := make([]*UnitState, 0, len(states))
	for _, s := range states {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return UnitKey(a.Kind, a.UnitID) < UnitKey(b.Kind, b.UnitID)
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.Before(*b.StartedAt)
		}
		return UnitKey(a.Kind, a.UnitID) < UnitKey(b.Kind, b.UnitID)
	})
	return out
}
