package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func otelFixture(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(otel.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		out[string(a.Key)] = a.Value.AsInterface()
	}
	return out
}

func TestOTelEmitterSpanPerDecision(t *testing.T) {
	emitter, exporter := otelFixture(t)

	emitter.Emit(Event{
		ExecutionID: 42,
		EventID:     7,
		NodeID:      "fetch",
		Msg:         "job_dispatched",
		Meta:        map[string]any{"attempt": 2, "kind": "http", "deferred": true},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "job_dispatched" {
		t.Fatalf("span name %q", span.Name)
	}
	attrs := attributeMap(span.Attributes)
	if attrs["loom.execution_id"] != "42" || attrs["loom.node_id"] != "fetch" {
		t.Fatalf("attrs %v", attrs)
	}
	if attrs["attempt"] != int64(2) || attrs["kind"] != "http" || attrs["deferred"] != true {
		t.Fatalf("meta attrs %v", attrs)
	}
	if !span.EndTime.After(span.StartTime) {
		t.Fatal("span not ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	emitter, exporter := otelFixture(t)

	emitter.Emit(Event{ExecutionID: 1, Msg: "action_failed", Meta: map[string]any{"error": "connection timeout"}})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("status %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "connection timeout" {
		t.Fatalf("description %q", spans[0].Status.Description)
	}
}

func TestOTelEmitterBatch(t *testing.T) {
	emitter, exporter := otelFixture(t)

	emitter.EmitBatch(context.Background(), []Event{
		{ExecutionID: 1, Msg: "event_applied"},
		{ExecutionID: 1, Msg: "job_dispatched"},
		{ExecutionID: 1, Msg: "execution_completed"},
	})

	if got := len(exporter.GetSpans()); got != 3 {
		t.Fatalf("got %d spans, want 3", got)
	}
}

func TestOTelEmitterFlush(t *testing.T) {
	emitter, _ := otelFixture(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
