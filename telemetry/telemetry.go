// Package telemetry installs the OpenTelemetry tracer provider the compile pipeline reports its
// spans to.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/colorfulnotion/a64jit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const ServiceName = "a64jit"

// Shutdown flushes and stops a provider installed by Setup.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

type Options struct {
	// Endpoint is the OTLP/HTTP collector as host:port. Empty leaves the global no-op provider.
	Endpoint string
	Insecure bool
	Version  string
	// SampleRatio is the fraction of compile traces recorded; 0 records all.
	SampleRatio float64
}

// Setup exports spans to opts.Endpoint and installs the provider globally.
func Setup(ctx context.Context, opts Options) (Shutdown, error) {
	if opts.Endpoint == "" {
		return noop, nil
	}
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := NewProvider(opts, sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	log.Info(log.CLI, "telemetry enabled", "endpoint", opts.Endpoint)
	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

// NewProvider builds a tracer provider carrying the service resource and sampler for opts.
func NewProvider(opts Options, extra ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	attrs := []attribute.KeyValue{attribute.String("service.name", ServiceName)}
	if opts.Version != "" {
		attrs = append(attrs, attribute.String("service.version", opts.Version))
	}
	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(opts.SampleRatio)
	}
	all := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}, extra...)
	return sdktrace.NewTracerProvider(all...)
}
