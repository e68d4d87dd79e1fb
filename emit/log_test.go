package emit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogEmitterFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLogEmitter(zap.New(core))

	l.Emit(Event{
		ExecutionID: 42,
		EventID:     7,
		NodeID:      "fetch",
		Msg:         "job_dispatched",
		Meta:        map[string]any{"queue_id": "9", "attempt": 1},
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Message != "job_dispatched" || e.Level != zapcore.InfoLevel {
		t.Fatalf("entry %q at %v", e.Message, e.Level)
	}
	fields := e.ContextMap()
	if fields["execution_id"] != "42" {
		t.Fatalf("execution_id = %v", fields["execution_id"])
	}
	if fields["event_id"] != "7" || fields["node_id"] != "fetch" {
		t.Fatalf("fields %v", fields)
	}
	if fields["queue_id"] != "9" {
		t.Fatalf("meta queue_id = %v", fields["queue_id"])
	}
}

func TestLogEmitterErrorLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLogEmitter(zap.New(core))

	l.Emit(Event{ExecutionID: 1, Msg: "action_failed", Meta: map[string]any{"error": "boom"}})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("level %v, want warn", entries[0].Level)
	}
	if entries[0].ContextMap()["error"] != "boom" {
		t.Fatalf("error field %v", entries[0].ContextMap()["error"])
	}
}

func TestLogEmitterNilLogger(t *testing.T) {
	l := NewLogEmitter(nil)
	// Must not panic.
	l.Emit(Event{ExecutionID: 1, Msg: "event_applied"})
}
