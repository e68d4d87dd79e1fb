// Package model defines the persisted entities of the orchestrator: events,
// queue jobs, executions, and runtime components. Types here are plain data
// shared by the store backends, the engine, the HTTP server, and workers.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/ident"
)

// EventType names a fact in an execution's event log.
type EventType string

// Event taxonomy. Workers report the action_* events and heartbeats; the
// engine synthesizes the rest.
const (
	EventExecutionStart         EventType = "execution_start"
	EventStepStarted            EventType = "step_started"
	EventActionStarted          EventType = "action_started"
	EventActionCompleted        EventType = "action_completed"
	EventActionFailed           EventType = "action_failed"
	EventStepCompleted          EventType = "step_completed"
	EventStepFailed             EventType = "step_failed"
	EventIteratorStarted        EventType = "iterator_started"
	EventIterationStarted       EventType = "iteration_started"
	EventIterationCompleted     EventType = "iteration_completed"
	EventIterationFailed        EventType = "iteration_failed"
	EventIteratorCompleted      EventType = "iterator_completed"
	EventRetrySequenceCompleted EventType = "retry_sequence_completed"
	EventExecutionComplete      EventType = "execution_complete"
	EventExecutionAbort         EventType = "execution_abort"
	EventWorkerHeartbeat        EventType = "worker_heartbeat"
)

var eventTypes = map[EventType]bool{
	EventExecutionStart:         true,
	EventStepStarted:            true,
	EventActionStarted:          true,
	EventActionCompleted:        true,
	EventActionFailed:           true,
	EventStepCompleted:          true,
	EventStepFailed:             true,
	EventIteratorStarted:        true,
	EventIterationStarted:       true,
	EventIterationCompleted:     true,
	EventIterationFailed:        true,
	EventIteratorCompleted:      true,
	EventRetrySequenceCompleted: true,
	EventExecutionComplete:      true,
	EventExecutionAbort:         true,
	EventWorkerHeartbeat:        true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return eventTypes[t] }

// Event is an immutable record in an execution's append-only log.
// Corrections are made by emitting new events, never by mutation.
type Event struct {
	EventID           ident.ID  `json:"event_id"`
	ExecutionID       ident.ID  `json:"execution_id"`
	ParentEventID     ident.ID  `json:"parent_event_id,omitempty"`
	ParentExecutionID ident.ID  `json:"parent_execution_id,omitempty"`
	Type              EventType `json:"event_type"`
	NodeID            string    `json:"node_id,omitempty"`
	Status            string    `json:"status,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	DurationMS        int64     `json:"duration_ms,omitempty"`

	// Result is the tool output (any JSON shape). Context is the sanitized
	// execution snapshot supplied by the reporter. Data is payload specific
	// to the event type. Meta carries retry/iterator linkage.
	Result  any     `json:"result,omitempty"`
	Context JSONMap `json:"context,omitempty"`
	Data    JSONMap `json:"data,omitempty"`
	Meta    Meta    `json:"meta,omitempty"`

	// DedupKey makes ingestion idempotent: two events with the same
	// (execution_id, dedup_key) persist once, and the duplicate submission
	// is answered with the original event ID.
	DedupKey string `json:"dedup_key,omitempty"`
}

// Validate checks the minimal shape required for ingestion.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.ExecutionID.IsZero() {
		return fmt.Errorf("event %s missing execution_id", e.Type)
	}
	return nil
}

// Meta carries control metadata attached to events and queue jobs.
type Meta struct {
	Retry    *RetryMeta     `json:"retry,omitempty"`
	Iterator *IteratorMeta  `json:"iterator,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// IsZero reports whether the meta carries nothing.
func (m Meta) IsZero() bool {
	return m.Retry == nil && m.Iterator == nil && len(m.Extra) == 0
}

// Clone deep-copies the meta.
func (m Meta) Clone() Meta {
	out := Meta{}
	if m.Retry != nil {
		r := *m.Retry
		out.Retry = &r
	}
	if m.Iterator != nil {
		it := *m.Iterator
		out.Iterator = &it
	}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = cloneValue(v)
		}
	}
	return out
}

// Value implements driver.Valuer.
func (m Meta) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Meta) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if b == nil {
		*m = Meta{}
		return nil
	}
	var out Meta
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	*m = out
	return nil
}

// RetryMeta links an attempt to its retry chain.
type RetryMeta struct {
	AttemptNumber int      `json:"attempt_number"`
	ParentEventID ident.ID `json:"parent_event_id,omitempty"`
	Type          string   `json:"type,omitempty"` // "on_error" or "on_success"
	WillRetry     bool     `json:"will_retry,omitempty"`
	NextDelayMS   int64    `json:"next_delay_ms,omitempty"`
}

// Retry chain type markers.
const (
	RetryOnError   = "on_error"
	RetryOnSuccess = "on_success"
)

// IteratorMeta ties an iteration child to its parent loop step.
type IteratorMeta struct {
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Name      string `json:"name,omitempty"` // element binding name
	Mode      string `json:"mode,omitempty"` // "sequential" or "async"
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// Iterator modes.
const (
	IteratorSequential = "sequential"
	IteratorAsync      = "async"
)
