// Package tracing sets up OpenTelemetry and wraps job invocations in spans.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
)

const instrumentationName = "github.com/zsprackett/jobkit"

// Setup installs the global tracer provider for cfg.Exporter. Spans from
// the stdout exporter are written to w. The returned func flushes and
// shuts the provider down.
func Setup(ctx context.Context, cfg config.TracingConfig, serviceName string, w io.Writer) (trace.TracerProvider, func(context.Context) error, error) {
	switch cfg.Exporter {
	case "", "none":
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, tp.Shutdown, nil
}

// Tracer returns the jobkit tracer from tp.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer(instrumentationName)
}

// Middleware runs every invocation inside a span named after its job.
func Middleware(tracer trace.Tracer) jobs.Middleware {
	return func(next jobs.Action) jobs.Action {
		return func(ctx context.Context, inv *history.Invocation) error {
			ctx, span := tracer.Start(ctx, "job "+inv.JobName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("job.name", inv.JobName),
					attribute.String("job.invocation_id", inv.ID),
				))
			defer span.End()

			err := next(ctx, inv)
			span.SetAttributes(attribute.Int("job.output_bytes", inv.Output.Len()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}
