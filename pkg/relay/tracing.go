package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/polisai/polis-relay/pkg/relay"

// startSpan opens a span on the global tracer provider. Without a configured
// provider the otel no-op tracer is used.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func requestAttrs(key SessionKey, requestID string, req Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("relay.session_key", string(key)),
		attribute.String("relay.request_id", requestID),
		attribute.String("relay.command", req.Command),
		attribute.Bool("relay.critical", req.Critical),
	}
}

func endSpan(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int("relay.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
