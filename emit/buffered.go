package emit

import (
	"sync"

	"github.com/loomworks/loom/ident"
)

// BufferedEmitter stores events in memory, keyed by execution. It backs tests
// and debugging sessions; it grows without bound, so production deployments
// should prefer the log or tracing backends.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[ident.ID][]Event
}

// HistoryFilter narrows History results. Empty fields match everything;
// set fields combine with AND.
type HistoryFilter struct {
	NodeID string
	Msg    string
	After  ident.ID // only events whose EventID is greater
}

// NewBufferedEmitter creates an empty buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[ident.ID][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History returns the recorded events for an execution in emission order.
// The returned slice is a copy.
func (b *BufferedEmitter) History(execID ident.ID) []Event {
	return b.HistoryWithFilter(execID, HistoryFilter{})
}

// HistoryWithFilter returns the recorded events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(execID ident.ID, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events[execID]))
	for _, ev := range b.events[execID] {
		if filter.NodeID != "" && ev.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		if !filter.After.IsZero() && ev.EventID <= filter.After {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear drops recorded events for one execution, or for all executions when
// execID is zero.
func (b *BufferedEmitter) Clear(execID ident.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if execID.IsZero() {
		b.events = make(map[ident.ID][]Event)
		return
	}
	delete(b.events, execID)
}
