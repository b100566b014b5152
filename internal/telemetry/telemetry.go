// Package telemetry wires OpenTelemetry tracing/metrics for the proxy core
// and provides the finished-request and retry-trace JSONL sinks. The
// per-attempt span/counter shape follows a provider-failover loop: one span
// per attempt, a handful of named counters for attempt/failover/exhaustion
// events.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Mode selects which exporter backs the tracer provider.
type Mode string

const (
	// ModeDev renders spans to stdout, for local development.
	ModeDev Mode = "dev"
	// ModeOTLP exports spans via OTLP/gRPC to a collector endpoint.
	ModeOTLP Mode = "otlp"
	// ModeDisabled uses the global no-op tracer (no export at all).
	ModeDisabled Mode = "disabled"
)

// Config selects how the Provider is built.
type Config struct {
	Mode        Mode
	ServiceName string
	// OTLPEndpoint is used only when Mode == ModeOTLP, e.g. "localhost:4317".
	OTLPEndpoint string
}

// Provider bundles the tracer and meter used across the proxy core, plus
// the attempt/failover/cooldown counters named in §4.4/§4.2.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider // nil when Mode == ModeDisabled
	Tracer         trace.Tracer
	Meter          metric.Meter

	AttemptCounter   metric.Int64Counter
	FailoverCounter  metric.Int64Counter
	ExhaustedCounter metric.Int64Counter
	CooldownCounter  metric.Int64Counter

	shutdown func(context.Context) error
}

// NewProvider builds a Provider per cfg. Callers must call Shutdown on
// process exit to flush any buffered spans.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{}

	switch cfg.Mode {
	case ModeOTLP:
		exp, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: building otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		p.TracerProvider = tp
		p.shutdown = tp.Shutdown
		otel.SetTracerProvider(tp)
	case ModeDev:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: building stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		p.TracerProvider = tp
		p.shutdown = tp.Shutdown
		otel.SetTracerProvider(tp)
	default:
		p.shutdown = func(context.Context) error { return nil }
	}

	name := cfg.ServiceName
	if name == "" {
		name = "codex-helper"
	}
	p.Tracer = otel.Tracer(name)

	meterProvider := otel.GetMeterProvider()
	if meterProvider == nil {
		meterProvider = noopmetric.NewMeterProvider()
	}
	p.Meter = meterProvider.Meter(name)

	var err error
	if p.AttemptCounter, err = p.Meter.Int64Counter("proxy.retry.attempt"); err != nil {
		return nil, err
	}
	if p.FailoverCounter, err = p.Meter.Int64Counter("proxy.retry.failover"); err != nil {
		return nil, err
	}
	if p.ExhaustedCounter, err = p.Meter.Int64Counter("proxy.retry.exhausted"); err != nil {
		return nil, err
	}
	if p.CooldownCounter, err = p.Meter.Int64Counter("proxy.lbs.cooldown"); err != nil {
		return nil, err
	}

	return p, nil
}

// Shutdown flushes and stops the underlying exporter, if any.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// NoopProvider returns a Provider wired to no-op tracing/metrics, used in
// tests and as a safe zero-config default.
func NoopProvider() *Provider {
	p, err := NewProvider(Config{Mode: ModeDisabled, ServiceName: "codex-helper-test"})
	if err != nil {
		// Int64Counter on a valid meter never fails; this is unreachable
		// in practice but keeps NoopProvider panic-free either way.
		fmt.Fprintln(os.Stderr, "telemetry: noop provider init:", err)
		return &Provider{Tracer: nooptrace.NewTracerProvider().Tracer("noop")}
	}
	return p
}
