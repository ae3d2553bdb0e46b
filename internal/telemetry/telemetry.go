// Package telemetry defines the Logger/Metrics/Tracer seams used
// throughout the acquisition controller: a small vendor-neutral interface
// per concern, backed by goa.design/clue/log and OpenTelemetry in
// production, and no-op implementations in tests.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured, leveled log messages. keyvals is an
	// alternating key/value slice, e.g. Info(ctx, "server ready", "server_id", id).
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
		SetGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans for tracing.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is an in-flight trace span.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}
)

// Noop returns no-op implementations of Logger, Metrics, and Tracer, used
// by default in tests and by components constructed without telemetry
// wired in.
func Noop() (Logger, Metrics, Tracer) {
	return NoopLogger{}, NoopMetrics{}, NoopTracer{}
}

// NoopLogger discards all log messages.
type NoopLogger struct{}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) SetGauge(string, float64, ...string)          {}

// NoopTracer produces spans that do nothing.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}
