package trace

import (
	"context"
	"fmt"
	"sync"
)

// Entry is one recorded trace call.
type Entry struct {
	Level   string
	Message string
	Err     error
}

// Recorder is an in-memory Sink. Used by tests and by callers that want to
// inspect what a run reported.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) add(level, msg string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Err: err})
}

func (r *Recorder) Info(_ context.Context, msg string, _ ...any)    { r.add("info", msg, nil) }
func (r *Recorder) Warning(_ context.Context, msg string, _ ...any) { r.add("warning", msg, nil) }
func (r *Recorder) Error(_ context.Context, msg string, _ ...any)   { r.add("error", msg, nil) }
func (r *Recorder) Exception(_ context.Context, msg string, err error, _ ...any) {
	r.add("exception", msg, err)
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns "level: message" lines, in call order.
func (r *Recorder) Messages() []string {
	entries := r.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprintf("%s: %s", e.Level, e.Message)
	}
	return out
}
