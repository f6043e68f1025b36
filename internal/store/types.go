package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/jobflow/pkg/schema"
)

// Run is the persisted record of one workflow run. Context holds the full
// result record; the other fields are denormalized for listing.
type Run struct {
	ID          string            `json:"id"`
	Workflow    string            `json:"workflow"`
	Status      schema.Status     `json:"status"`
	Params      map[string]any    `json:"params,omitempty"`
	Error       *schema.ErrorInfo `json:"error,omitempty"`
	Context     *schema.Context   `json:"context,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewRun builds the persisted form of a run Context.
func NewRun(c *schema.Context) *Run {
	return &Run{
		ID:          c.RunID,
		Workflow:    c.Workflow,
		Status:      c.Status,
		Params:      c.Params,
		Error:       c.Errors,
		Context:     c,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

// Event is an immutable entry in a run's unit transition log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	UnitKind  schema.UnitKind `json:"unit_kind"`
	UnitID    string          `json:"unit_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// UnitState is the state of one unit reconstructed from its events.
type UnitState struct {
	RunID       string            `json:"run_id"`
	Kind        schema.UnitKind   `json:"unit_kind"`
	UnitID      string            `json:"unit_id,omitempty"`
	Status      schema.Status     `json:"status"`
	Error       *schema.ErrorInfo `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// RunFilter for listing runs.
type RunFilter struct {
	Workflow string
	Status   schema.Status
	Since    *time.Time
	Limit    int
	Offset   int
}

// EventFilter for querying events by type.
type EventFilter struct {
	RunID  string
	UnitID string
	Since  *time.Time
	Limit  int
}

// TransitionPayload is the payload of a unit transition event.
type TransitionPayload struct {
	From  schema.Status     `json:"from"`
	To    schema.Status     `json:"to"`
	Error *schema.ErrorInfo `json:"error,omitempty"`
}
