package events

import (
	"context"
	"sync"
)

// Emitter is the capability interface over the event transport. One
// implementation exists per backend; the transport must preserve
// emission order within an ordering key.
type Emitter interface {
	// Emit appends an event to the trail.
	Emit(ctx context.Context, e *Event) error
}

// Recorder is an in-memory Emitter that keeps events grouped by
// ordering key. Intended for unit testing and single-node development.
type Recorder struct {
	mu    sync.Mutex
	byKey map[string][]*Event
}

var _ Emitter = (*Recorder)(nil)

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{byKey: make(map[string][]*Event)}
}

// Emit records the event under its ordering key.
func (r *Recorder) Emit(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.OrderingKey()
	r.byKey[key] = append(r.byKey[key], e)
	return nil
}

// Events returns the events recorded under a key, in emission order.
func (r *Recorder) Events(key string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.byKey[key]))
	copy(out, r.byKey[key])
	return out
}

// Codes returns just the event codes recorded under a key, in emission
// order. Convenient for test assertions.
func (r *Recorder) Codes(key string) []Code {
	events := r.Events(key)
	codes := make([]Code, len(events))
	for i, e := range events {
		codes[i] = e.Code
	}
	return codes
}
