package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of orchestrator spans.
const TracerName = "palpable/boot"

// NewProvider returns a tracer provider that writes every ended span to the
// process logger. The device has no collector to export to.
func NewProvider(extra ...sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSpanProcessor(logProcessor{})}
	for _, p := range extra {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// Tracer returns the orchestrator tracer from provider.
func Tracer(provider trace.TracerProvider) trace.Tracer {
	return provider.Tracer(TracerName)
}

type logProcessor struct{}

func (logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (logProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	level := slog.LevelDebug
	attrs := []any{"component", "telemetry", "span", s.Name(), "duration", s.EndTime().Sub(s.StartTime())}
	if s.Status().Code == codes.Error {
		level = slog.LevelWarn
		attrs = append(attrs, "err", s.Status().Description)
	}
	slog.Log(context.Background(), level, "Step finished.", attrs...)
}

func (logProcessor) Shutdown(context.Context) error { return nil }

func (logProcessor) ForceFlush(context.Context) error { return nil }
