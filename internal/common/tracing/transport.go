package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "voxd-transport"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceProviderRequest starts a span for an outbound speech-provider call.
// Caller must call span.End() when the response is received.
func TraceProviderRequest(ctx context.Context, operation, model string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "speech."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("speech.operation", operation),
		attribute.String("speech.model", model),
	)
	return ctx, span
}

// TraceProviderResponse records response attributes on the span.
func TraceProviderResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceTurn starts a span covering one relay turn from submission to the
// final chat append. Caller must call span.End() when the turn settles.
func TraceTurn(ctx context.Context, turnID, source string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "relay.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("turn_id", turnID),
		attribute.String("turn.source", source),
	)
	return ctx, span
}

// TraceAgentEvent creates a single span for an event received from the
// agent child process.
func TraceAgentEvent(ctx context.Context, eventType, turnID string) {
	_, span := transportTracer().Start(ctx, "agent.event."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("turn_id", turnID),
	)
}
