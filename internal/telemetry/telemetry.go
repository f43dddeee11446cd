// Package telemetry wires OpenTelemetry tracing around the dial,
// handshake, and dispatch boundaries so an operator can follow one
// session end to end in a trace viewer. The pack's dependency set
// carries go.opentelemetry.io/otel without any in-tree call site, so
// this package follows the library's own canonical setup rather than
// a specific teacher file.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide TracerProvider and its exporter.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Disabled returns a Provider whose Tracer produces no-op spans,
// avoiding exporter setup when telemetry is turned off in config.
func Disabled() *Provider {
	return &Provider{}
}

// New builds a Provider that exports spans to stdout as line-delimited
// JSON, one span per session-level operation. serviceName tags every
// span with service.name for downstream correlation.
func New(ctx context.Context, serviceName string) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: new exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: new resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and releases the exporter. Safe to call
// on a Disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the named tracer, sourced from the provider that was
// most recently installed via New — or the global no-op tracer when
// telemetry is disabled.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
