package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by run. Intended for
// tests and post-run inspection; unbounded, so not for long-lived
// production processes.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns the events emitted for a run, in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events[runID]))
	copy(out, b.events[runID])
	return out
}

// WithMsg returns the run's events carrying the given message.
func (b *BufferedEmitter) WithMsg(runID, msg string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events[runID] {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops the stored events for a run.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, runID)
}
