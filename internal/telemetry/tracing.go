// Package telemetry configures OpenTelemetry tracing and Prometheus metrics
// for conductord.
//
// Span names follow the run lifecycle: run.transition, run.gate_evaluate,
// run.agent_invoke, outbox.dispatch. Custom span attributes use the
// `conductor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conductor.dev/orchestrator"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (a noop provider is
// left in place). Returns a shutdown function that must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("conductord"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartTransitionSpan creates the parent span for a phase transition.
func StartTransitionSpan(ctx context.Context, runID string, from, to string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.transition",
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.from_phase", from),
			attribute.String("conductor.to_phase", to),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartGateEvaluateSpan creates a child span for one gate evaluation.
func StartGateEvaluateSpan(ctx context.Context, runID, gateID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.gate_evaluate",
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.gate_id", gateID),
		),
	)
}

// EndGateEvaluateSpan enriches the gate span with its verdict.
func EndGateEvaluateSpan(span trace.Span, status string, escalate bool) {
	span.SetAttributes(
		attribute.String("conductor.gate_status", status),
		attribute.Bool("conductor.escalate", escalate),
	)
	span.End()
}

// StartAgentInvokeSpan creates a child span for one agent invocation.
func StartAgentInvokeSpan(ctx context.Context, runID, role string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.agent_invoke",
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.role", role),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartOutboxDispatchSpan creates a span for one outbox write attempt.
func StartOutboxDispatchSpan(ctx context.Context, writeID, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "outbox.dispatch",
		trace.WithAttributes(
			attribute.String("conductor.write_id", writeID),
			attribute.String("conductor.kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndOutboxDispatchSpan enriches the dispatch span with its outcome.
func EndOutboxDispatchSpan(span trace.Span, status string, retryable bool) {
	span.SetAttributes(
		attribute.String("conductor.dispatch_status", status),
		attribute.Bool("conductor.retryable", retryable),
	)
	span.End()
}
