package streaming

import (
	"context"
	"encoding/json"

	"github.com/rendis/jobflow/internal/store"
)

// Appender matches engine.EventAppender.
type Appender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Tee appends transition events to an optional next appender (usually the
// run store) and publishes them to a hub. Publishing is best effort: only
// the next appender's error is returned.
type Tee struct {
	next Appender
	hub  EventHub
}

// NewTee creates a Tee. next may be nil.
func NewTee(next Appender, hub EventHub) *Tee {
	return &Tee{next: next, hub: hub}
}

func (t *Tee) AppendEvent(ctx context.Context, event *store.Event) error {
	var err error
	if t.next != nil {
		err = t.next.AppendEvent(ctx, event)
	}

	var payload any
	if len(event.Payload) > 0 {
		var p store.TransitionPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			payload = p
		}
	}
	_ = t.hub.Publish(context.WithoutCancel(ctx), StreamEvent{
		RunID:     event.RunID,
		UnitKind:  string(event.UnitKind),
		UnitID:    event.UnitID,
		EventType: event.Type,
		Payload:   payload,
	})
	return err
}
