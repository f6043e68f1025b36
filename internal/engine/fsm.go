package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(kind schema.UnitKind, unitID string, from, to schema.Status) error

// EventAppender is satisfied by the run stores and EventLog; used by the FSM
// to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidTransitions defines the allowed status transitions of every unit.
var ValidTransitions = map[schema.Status][]schema.Status{
	schema.StatusPending: {schema.StatusRunning, schema.StatusSkip, schema.StatusCancel},
	schema.StatusRunning: {schema.StatusSuccess, schema.StatusFailed, schema.StatusCancel},
	schema.StatusSuccess: {},
	schema.StatusFailed:  {},
	schema.StatusSkip:    {},
	schema.StatusCancel:  {},
}

type hookKey struct {
	kind     schema.UnitKind
	from, to schema.Status
}

// UnitFSM validates unit lifecycle transitions and appends the matching
// events to an optional appender.
type UnitFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewUnitFSM creates a UnitFSM. appender may be nil.
func NewUnitFSM(appender EventAppender) *UnitFSM {
	return &UnitFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *UnitFSM) OnBefore(kind schema.UnitKind, from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{kind, from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *UnitFSM) OnAfter(kind schema.UnitKind, from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{kind, from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a unit transition, emitting the
// corresponding event via the appender. errInfo is attached to the event
// payload of terminal transitions.
func (f *UnitFSM) Transition(ctx context.Context, runID string, kind schema.UnitKind, unitID string, from, to schema.Status, errInfo *schema.ErrorInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", kind, from, to).
			WithUnit(unitID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{kind, from, to}

	for _, hook := range f.before[key] {
		if err := hook(kind, unitID, from, to); err != nil {
			return err
		}
	}

	if eventType := schema.TransitionEvent(kind, to); eventType != "" && f.appender != nil {
		payload, err := json.Marshal(store.TransitionPayload{From: from, To: to, Error: errInfo})
		if err != nil {
			return err
		}
		event := &store.Event{
			RunID:    runID,
			UnitKind: kind,
			UnitID:   unitID,
			Type:     eventType,
			Payload:  payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", kind, err.Error()).
				WithUnit(unitID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(kind, unitID, from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.Status) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
