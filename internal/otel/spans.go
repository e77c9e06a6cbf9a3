package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for minder spans.
var (
	AttrUnitID       = attribute.Key("minder.unit.id")
	AttrUnitRole     = attribute.Key("minder.unit.role")
	AttrRunID        = attribute.Key("minder.run.id")
	AttrStep         = attribute.Key("minder.run.step")
	AttrToolName     = attribute.Key("minder.tool.name")
	AttrModel        = attribute.Key("minder.llm.model")
	AttrTokensInput  = attribute.Key("minder.llm.tokens.input")
	AttrTokensOutput = attribute.Key("minder.llm.tokens.output")
	AttrErrType      = attribute.Key("minder.err.type")
	AttrOutcome      = attribute.Key("minder.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Telegram).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
