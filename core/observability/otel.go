package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TelemetryConfig configures the OpenTelemetry export bridge.
type TelemetryConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// ExporterType is "grpc" or "http".
	ExporterType string
	Endpoint     string
	SamplingRate float64
}

// Provider owns the tracer provider and exports finished request traces.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
}

// NewProvider initializes OTLP export. With Enabled false it installs a
// noop tracer provider and every Export call is free.
func NewProvider(ctx context.Context, cfg TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{tracer: otel.Tracer("ramapi")}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.ExporterType {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("observability: unsupported exporter type %q", cfg.ExporterType)
	}
	if err != nil {
		return nil, fmt.Errorf("observability: create %s exporter: %w", cfg.ExporterType, err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: otel.Tracer("ramapi")}, nil
}

// Export replays a finished request trace as OpenTelemetry spans with
// their original timestamps, preserving the parent/child structure.
func (p *Provider) Export(ctx context.Context, tr *Trace) {
	byID := make(map[string]oteltrace.Span, len(tr.Spans))
	ctxByID := make(map[string]context.Context, len(tr.Spans))

	// Spans were attached in creation order, so parents precede children.
	for _, s := range tr.Spans {
		parentCtx := ctx
		if s.ParentID != "" {
			if pc, ok := ctxByID[s.ParentID]; ok {
				parentCtx = pc
			}
		}
		spanCtx, span := p.tracer.Start(parentCtx, s.Name,
			oteltrace.WithTimestamp(s.Start),
		)
		if s.ParentID == "" {
			span.SetAttributes(
				attribute.String("http.method", tr.Method),
				attribute.String("http.route", tr.Route),
				attribute.Int("http.status_code", tr.Status),
				attribute.String("ramapi.trace_id", tr.TraceID),
			)
		}
		for k, v := range s.Meta {
			span.SetAttributes(attribute.String(k, fmt.Sprint(v)))
		}
		byID[s.ID] = span
		ctxByID[s.ID] = spanCtx
	}

	// End children before parents.
	for i := len(tr.Spans) - 1; i >= 0; i-- {
		s := tr.Spans[i]
		end := s.Ended
		if end.IsZero() {
			end = s.Start
		}
		byID[s.ID].End(oteltrace.WithTimestamp(end))
	}
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}
