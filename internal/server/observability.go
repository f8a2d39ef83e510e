package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	RunCounter     metric.Int64Counter
	PromptLatency  metric.Int64Histogram
	FindingCounter metric.Int64Counter
	Cancellations  metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "auditor-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	runCounter, _ := meter.Int64Counter("audit_run_total")
	promptLatency, _ := meter.Int64Histogram("audit_prompt_latency_ms")
	findingCounter, _ := meter.Int64Counter("audit_findings_total")
	cancellations, _ := meter.Int64Counter("audit_cancellations_total")
	return &Observability{
		Tracer:         tracer,
		Meter:          meter,
		traceProvider:  tp,
		RunCounter:     runCounter,
		PromptLatency:  promptLatency,
		FindingCounter: findingCounter,
		Cancellations:  cancellations,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkRun(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkPromptLatency(ctx context.Context, category string, latencyMS int64) {
	if o == nil {
		return
	}
	o.PromptLatency.Record(ctx, latencyMS, metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (o *Observability) MarkFinding(ctx context.Context, severity string) {
	if o == nil {
		return
	}
	o.FindingCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
	))
}

func (o *Observability) MarkCancellation(ctx context.Context, stage string) {
	if o == nil {
		return
	}
	o.Cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}
