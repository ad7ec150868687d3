// Package tracing installs the OpenTelemetry tracer provider used by the
// control plane. Ended spans are written to the component logger, so traces
// are visible without an external collector.
package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the installed tracer provider
type Provider struct {
	provider *sdktrace.TracerProvider
}

// Setup creates a tracer provider that logs ended spans at debug level and
// installs it as the global provider
func Setup(logger zerolog.Logger) *Provider {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}))
	otel.SetTracerProvider(tp)
	return &Provider{provider: tp}
}

// Tracer returns a named tracer from the provider
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.provider == nil {
		return otel.Tracer(name)
	}
	return p.provider.Tracer(name)
}

// Shutdown flushes and stops the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// logSpanProcessor writes every ended span as one log line
type logSpanProcessor struct {
	logger zerolog.Logger
}

func (p *logSpanProcessor) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	ev := p.logger.Debug()
	if span.Status().Code == codes.Error {
		ev = p.logger.Warn().Str("error", span.Status().Description)
	}
	ev = ev.
		Str("span", span.Name()).
		Str("trace_id", span.SpanContext().TraceID().String()).
		Dur("duration", span.EndTime().Sub(span.StartTime()))
	for _, kv := range span.Attributes() {
		ev = ev.Str(string(kv.Key), kv.Value.Emit())
	}
	ev.Msg("Span ended")
}

func (p *logSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *logSpanProcessor) ForceFlush(context.Context) error {
	return nil
}
