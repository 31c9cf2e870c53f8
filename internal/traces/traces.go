// Package traces wires OpenTelemetry tracing for the scan and chat paths.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "clicense"
	tracerName  = "github.com/mbd888/clicense"
)

// Config selects the exporter and sampling.
type Config struct {
	Endpoint       string // OTLP gRPC endpoint; empty disables tracing
	ServiceVersion string
	SampleRatio    float64 // applied to root spans; children follow their parent
}

// Init installs the global tracer provider and returns its shutdown func.
// With no endpoint the global no-op provider is left in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(cfg.ServiceVersion)),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func newResource(version string) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	)
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks the span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Span attributes shared by the pipeline, ledger and upstream clients.

func IdentityID(id string) attribute.KeyValue {
	return attribute.String("identity.id", id)
}

func Anonymous(anon bool) attribute.KeyValue {
	return attribute.Bool("identity.anonymous", anon)
}

func TargetURL(u string) attribute.KeyValue {
	return attribute.String("target.url", u)
}

func PlanTier(tier string) attribute.KeyValue {
	return attribute.String("plan.tier", tier)
}

func Purpose(p string) attribute.KeyValue {
	return attribute.String("completion.purpose", p)
}

func Outcome(o string) attribute.KeyValue {
	return attribute.String("outcome", o)
}
