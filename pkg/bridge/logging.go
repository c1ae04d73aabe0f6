package bridge

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger provides enhanced logging capabilities for the bridge
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// LogRouteEvent logs a multiplexer event for one route
func (sl *StructuredLogger) LogRouteEvent(ctx context.Context, eventType, source, destination string, size int, err error) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("source", source),
		slog.String("destination", destination),
	}

	if size > 0 {
		attrs = append(attrs, slog.Int("bytes", size))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	attrs = appendTraceAttrs(ctx, attrs)

	level := slog.LevelDebug
	switch {
	case err != nil && IsWriteError(err):
		level = slog.LevelError
	case err != nil:
		level = slog.LevelWarn
	case eventType == "route_opened":
		level = slog.LevelInfo
	}

	sl.logger.LogAttrs(ctx, level, "Route event", attrs...)
}

// LogProcessEvent logs process-related events
func (sl *StructuredLogger) LogProcessEvent(ctx context.Context, eventType, command string, pid int, exitCode *int) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("command", command),
	}

	if pid > 0 {
		attrs = append(attrs, slog.Int("pid", pid))
	}
	if exitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *exitCode))
	}

	attrs = appendTraceAttrs(ctx, attrs)

	level := slog.LevelInfo
	if eventType == "process_failed" || (exitCode != nil && *exitCode > 0) {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "Process event", attrs...)
}

// LogStateChange logs a bridge state transition
func (sl *StructuredLogger) LogStateChange(ctx context.Context, from, to State, reason string) {
	attrs := []slog.Attr{
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}

	sl.logger.LogAttrs(ctx, slog.LevelInfo, "Bridge state", appendTraceAttrs(ctx, attrs)...)
}

func appendTraceAttrs(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	if traceID := getTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := getSpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}
	return attrs
}

func getTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

func getSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
