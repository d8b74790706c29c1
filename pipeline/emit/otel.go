package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g. "stage completed", "task.done")
//   - Attributes: run_id, task, stage, step, and all event.Meta fields
//   - Status: error if event.Meta["error"] exists
//
// Spans are created and ended immediately; events represent points in time,
// not durations. If the event carries a "duration_ms" meta field, it is
// recorded as an attribute rather than stretching the span.
//
// Usage:
//
//	tracer := otel.Tracer("epirake")
//	emitter := emit.NewOTelEmitter(tracer)
//	eng := pipeline.New(reducer, st, emitter, opts)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer, typically
// otel.Tracer("epirake").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("run_id", event.RunID),
		attribute.Int("step", event.Step),
	)
	if event.Task != "" {
		span.SetAttributes(attribute.String("task", event.Task))
	}
	if event.Stage != "" {
		span.SetAttributes(attribute.String("stage", event.Stage))
	}

	o.addMetaAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// addMetaAttributes converts event metadata into span attributes, mapping
// Go types onto the closest attribute type.
func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}
