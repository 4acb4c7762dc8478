package relay

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger provides request and session logging with trace correlation
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

// LogRequest logs the resolution of a correlated request. Timeouts and
// transport failures are errors, rejections are warnings.
func (sl *StructuredLogger) LogRequest(ctx context.Context, key SessionKey, requestID, command string, attempts int, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("session_key", string(key)),
		slog.String("request_id", requestID),
		slog.String("command", command),
		slog.Int("attempts", attempts),
		slog.Duration("duration", duration),
	}
	attrs = appendTrace(ctx, attrs)

	switch {
	case err == nil:
		sl.logger.LogAttrs(ctx, slog.LevelInfo, "Request resolved", attrs...)
	case IsCancelled(err):
		attrs = append(attrs, slog.String("error", err.Error()))
		sl.logger.LogAttrs(ctx, slog.LevelInfo, "Request cancelled", attrs...)
	case IsDuplicateInFlight(err) || IsSessionNotFound(err):
		attrs = append(attrs, slog.String("error", err.Error()))
		sl.logger.LogAttrs(ctx, slog.LevelWarn, "Request rejected", attrs...)
	default:
		attrs = append(attrs, slog.String("error", err.Error()))
		sl.logger.LogAttrs(ctx, slog.LevelError, "Request failed", attrs...)
	}
}

// LogSessionEvent logs session lifecycle events
func (sl *StructuredLogger) LogSessionEvent(ctx context.Context, eventType string, rec *SessionRecord) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("session_key", string(rec.Key)),
		slog.String("session_id", rec.ID),
		slog.String("state", string(rec.State())),
	}
	attrs = appendTrace(ctx, attrs)

	sl.logger.LogAttrs(ctx, slog.LevelInfo, "Session event", attrs...)
}

// LogLateReply logs a reply that arrived after its request was resolved.
func (sl *StructuredLogger) LogLateReply(requestID string, kind OutcomeKind) {
	sl.logger.Debug("Dropping late or duplicate reply",
		"request_id", requestID,
		"kind", kind.String(),
	)
}

func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
