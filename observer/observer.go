// Package observer provides OTEL-based tracing for the orchestrator.
//
// Init configures the global trace provider with an OTLP HTTP exporter;
// NewTracer then returns a matdisc.Tracer that feeds orchestrator,
// dispatch, and store spans into it. Users export to any OTEL-compatible
// backend by setting standard OTEL env vars or passing an endpoint.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/DavidAkinpelu/materials-discovery-agent/observer"

// Option configures Init.
type Option func(*initConfig)

type initConfig struct {
	service  string
	endpoint string
}

// WithService sets the reported service name (default: "matdisc").
func WithService(name string) Option {
	return func(c *initConfig) { c.service = name }
}

// WithEndpoint sets the OTLP HTTP endpoint ("host:port"). When empty, the
// exporter falls back to the standard OTEL env vars.
func WithEndpoint(endpoint string) Option {
	return func(c *initConfig) { c.endpoint = endpoint }
}

// Init sets up the global OTEL trace provider with an OTLP HTTP exporter.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, opts ...Option) (func(context.Context) error, error) {
	cfg := initConfig{service: "matdisc"}
	for _, o := range opts {
		o(&cfg)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	var expOpts []otlptracehttp.Option
	if cfg.endpoint != "" {
		expOpts = append(expOpts, otlptracehttp.WithEndpoint(cfg.endpoint), otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
