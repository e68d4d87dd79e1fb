package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each decision into an OpenTelemetry span. Decisions are
// points in time, so spans are ended immediately; the span processor batches
// them for export.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps a tracer, typically otel.Tracer("loom").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()
	o.record(span, event)
}

// EmitBatch emits several decisions under one context, e.g. the decision list
// produced by a projection rebuild.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.record(span, event)
		span.End()
	}
}

// Flush forces export of buffered spans. Call before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) record(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("loom.execution_id", event.ExecutionID.String()),
		attribute.String("loom.event_id", event.EventID.String()),
		attribute.String("loom.node_id", event.NodeID),
	)
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(key, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
