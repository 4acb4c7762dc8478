package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Strategy is how a redacted attribute value is rewritten
type Strategy string

const (
	// StrategyMask keeps the first and last four characters
	StrategyMask Strategy = "mask"
	// StrategyHash replaces the value with a short digest usable for correlation
	StrategyHash Strategy = "hash"
	// StrategyReplace replaces the value with a fixed placeholder
	StrategyReplace Strategy = "replace"
)

func parseStrategy(s string) (Strategy, bool) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyMask:
		return StrategyMask, true
	case StrategyHash:
		return StrategyHash, true
	case StrategyReplace, "redact", "drop":
		return StrategyReplace, true
	default:
		return "", false
	}
}

// RedactAttributes rewrites the attributes named in rules. Attributes without
// a rule are returned unchanged.
func RedactAttributes(rules map[string]string, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 || len(rules) == 0 {
		return attrs
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		strategy, ok := parseStrategy(rules[string(kv.Key)])
		if !ok {
			redacted = append(redacted, kv)
			continue
		}
		redacted = append(redacted, attribute.String(string(kv.Key), apply(strategy, kv.Value.Emit())))
	}
	return redacted
}

func apply(strategy Strategy, value string) string {
	switch strategy {
	case StrategyMask:
		return maskValue(value)
	case StrategyHash:
		return hashValue(value)
	default:
		return "[REDACTED]"
	}
}

// maskValue shows first 4 and last 4 characters with *** in between.
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:4]) + "]"
}

// RedactingProcessor rewrites start attributes of every span according to
// its rules. It must be registered before the exporting processor.
type RedactingProcessor struct {
	rules map[string]string
}

var _ sdktrace.SpanProcessor = (*RedactingProcessor)(nil)

// NewRedactingProcessor creates a processor for rules.
func NewRedactingProcessor(rules map[string]string) *RedactingProcessor {
	copied := make(map[string]string, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &RedactingProcessor{rules: copied}
}

// OnStart overwrites matching attributes in place.
func (p *RedactingProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	var matched []attribute.KeyValue
	for _, kv := range s.Attributes() {
		if _, ok := p.rules[string(kv.Key)]; ok {
			matched = append(matched, kv)
		}
	}
	if len(matched) > 0 {
		s.SetAttributes(RedactAttributes(p.rules, matched)...)
	}
}

// OnEnd implements sdktrace.SpanProcessor.
func (p *RedactingProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

// Shutdown implements sdktrace.SpanProcessor.
func (p *RedactingProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor.
func (p *RedactingProcessor) ForceFlush(context.Context) error { return nil }
