package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelObserver records events on OpenTelemetry traces. When the context
// carries a recording span the event is attached to it as a span event;
// otherwise a zero-length span named after the event type is started from
// the tracer, so presence and bridge activity outside any request still shows
// up in the trace backend.
type OtelObserver struct {
	tracer trace.Tracer
}

func NewOtelObserver(tracer trace.Tracer) *OtelObserver {
	return &OtelObserver{tracer: tracer}
}

func (o *OtelObserver) OnEvent(ctx context.Context, event Event) {
	attrs := eventAttributes(event)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(string(event.Type), trace.WithAttributes(attrs...), trace.WithTimestamp(event.Timestamp))
		return
	}

	if o.tracer == nil {
		return
	}
	_, span = o.tracer.Start(ctx, string(event.Type),
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(event.Timestamp),
	)
	if event.Level >= LevelError {
		span.SetStatus(codes.Error, fmt.Sprint(event.Data["error"]))
	}
	span.End(trace.WithTimestamp(event.Timestamp))
}

func eventAttributes(event Event) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(event.Data)+3)
	attrs = append(attrs,
		attribute.String("sysend.source", event.Source),
		attribute.String("sysend.severity", event.Level.String()),
	)
	if event.Peer != "" {
		attrs = append(attrs, attribute.String("sysend.peer", event.Peer))
	}
	for k, v := range event.Data {
		key := "sysend." + k
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, val))
		case bool:
			attrs = append(attrs, attribute.Bool(key, val))
		case int:
			attrs = append(attrs, attribute.Int(key, val))
		case int64:
			attrs = append(attrs, attribute.Int64(key, val))
		case uint64:
			attrs = append(attrs, attribute.Int64(key, int64(val)))
		case float64:
			attrs = append(attrs, attribute.Float64(key, val))
		case []string:
			attrs = append(attrs, attribute.StringSlice(key, val))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprint(val)))
		}
	}
	return attrs
}
