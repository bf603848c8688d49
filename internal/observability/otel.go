// Package observability sets up process-wide tracing and build metadata.
// Each service package takes its tracer from the global provider configured
// here, so spans from the HTTP layer, the coordinator and GORM share one
// trace per request.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	"github.com/tbourn/telemsg-backend/internal/config"
)

// Identity names this process in traces and metrics. InstanceID separates
// nodes that share a Redis presence mirror.
type Identity struct {
	Version    string
	InstanceID string
}

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "telemsg",
		Name:      "build_info",
		Help:      "Always 1; labels carry the running version and instance.",
	},
	[]string{"version", "instance"},
)

func init() {
	prometheus.MustRegister(buildInfo)
}

// test seams
var (
	newOTLPClient = otlptracegrpc.NewClient

	newExporter = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newResource = func(ctx context.Context, serviceName string, id Identity) (*resource.Resource, error) {
		return resource.New(ctx, resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(id.Version),
			semconv.ServiceInstanceID(id.InstanceID),
		))
	}
)

// Setup publishes the build_info metric and, when tracing is enabled,
// installs an OTLP/gRPC tracer provider and W3C propagators. The returned
// function flushes and stops the provider. On error the globals are left
// untouched.
func Setup(ctx context.Context, cfg config.OTELConfig, id Identity) (func(context.Context) error, error) {
	buildInfo.WithLabelValues(id.Version, id.InstanceID).Set(1)

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exp, err := newExporter(ctx, newOTLPClient(opts...))
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg.ServiceName, id)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
