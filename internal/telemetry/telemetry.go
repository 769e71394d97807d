// Package telemetry wires the optional OTLP trace exporter. Disabled
// telemetry leaves the global no-op provider in place, so tracer calls
// throughout the daemon cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "gobby"

// Options configures the exporter.
type Options struct {
	Enabled  bool
	Endpoint string // host:port, scheme tolerated
	Insecure bool
	Version  string
}

// Provider owns the SDK trace provider for shutdown.
type Provider struct {
	sdk *sdktrace.TracerProvider
}

// Init installs the OTLP exporter as the global tracer provider. With
// Enabled false it returns a Provider whose Shutdown is a no-op.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	if !opts.Enabled || opts.Endpoint == "" {
		return &Provider{}, nil
	}

	exporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(stripScheme(opts.Endpoint)),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		res = resource.Default()
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(sdk)
	return &Provider{sdk: sdk}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.sdk.Shutdown(ctx)
}

func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return strings.TrimPrefix(endpoint, prefix)
		}
	}
	return endpoint
}
