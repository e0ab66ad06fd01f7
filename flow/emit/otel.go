package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter bridges run events into OpenTelemetry spans.
//
// Each event becomes a short span named after its message, carrying the run
// coordinates as attributes. Suitable for feeding Jaeger, Tempo, or any
// OTLP collector without coupling the engine to a specific vendor.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter on the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("flowline.run_id", event.RunID),
		attribute.Int("flowline.version", event.Version),
		attribute.String("flowline.status", string(event.Status)),
	}
	if event.NodeID != "" {
		attrs = append(attrs, attribute.String("flowline.node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute("flowline.meta."+k, v))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg,
		trace.WithAttributes(attrs...))
	span.End()
}

func metaAttribute(key string, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", val))
	}
}
