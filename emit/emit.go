// Package emit carries engine decision telemetry to pluggable backends.
//
// The engine emits one Event per decision it takes while applying the log:
// an event applied, a duplicate dropped, a job dispatched, a retry scheduled.
// Emitters must be safe for concurrent use and must never block or panic;
// telemetry failures are not execution failures.
package emit

import "github.com/loomworks/loom/ident"

// Event is one engine decision.
type Event struct {
	// ExecutionID identifies the execution the decision belongs to.
	ExecutionID ident.ID

	// EventID is the stored log event that triggered the decision. Zero for
	// decisions not anchored to a single event (sweeps, startup).
	EventID ident.ID

	// NodeID is the step involved, when there is one.
	NodeID string

	// Msg names the decision, e.g. "event_applied", "job_dispatched",
	// "duplicate_dropped", "retry_scheduled", "execution_completed".
	Msg string

	// Meta holds decision-specific fields. The key "error" marks failures.
	Meta map[string]any
}

// Emitter receives engine decisions.
type Emitter interface {
	Emit(event Event)
}

// NullEmitter discards every event. It is the default when telemetry is off.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (*NullEmitter) Emit(Event) {}

// MultiEmitter fans each event out to several backends in order.
type MultiEmitter struct {
	emitters []Emitter
}

// Multi combines emitters. Nil entries are skipped.
func Multi(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit implements Emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
