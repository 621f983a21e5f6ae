package otel

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for consultd spans.
var (
	AttrRPCMethod = attribute.Key("consultd.rpc.method")
	AttrTaskID    = attribute.Key("consultd.task.id")
	AttrSkillID   = attribute.Key("consultd.skill.id")
	AttrCartID    = attribute.Key("consultd.cart.id")
	AttrModel     = attribute.Key("consultd.llm.model")
)

// tracerBox wraps the tracer so atomic.Value always stores one concrete
// type regardless of which tracer implementation is active.
type tracerBox struct {
	t trace.Tracer
}

// activeTracer is set by Init. Before Init it holds a no-op tracer so
// span helpers are safe to call from any package at any time.
var activeTracer atomic.Value

func init() {
	activeTracer.Store(tracerBox{t: nooptrace.NewTracerProvider().Tracer(TracerName)})
}

func setTracer(t trace.Tracer) {
	activeTracer.Store(tracerBox{t: t})
}

func tracer() trace.Tracer {
	return activeTracer.Load().(tracerBox).t
}

// StartRPCSpan starts a server span for an inbound JSON-RPC call.
func StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "rpc "+method,
		trace.WithAttributes(AttrRPCMethod.String(method)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndRPCSpan records the outcome and ends the span.
func EndRPCSpan(span trace.Span, ok bool) {
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "rpc error")
	}
	span.End()
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndClientSpan records the error, if any, and ends the span.
func EndClientSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
