package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestRedactAttributesStrategies(t *testing.T) {
	rules := map[string]string{
		"relay.session_key": "mask",
		"relay.command":     "hash",
		"relay.owner":       "replace",
	}
	attrs := []attribute.KeyValue{
		attribute.String("relay.session_key", "customer-0042-chat"),
		attribute.String("relay.command", "GetNextMove"),
		attribute.String("relay.owner", "alice"),
		attribute.String("relay.request_id", "r-1"),
	}

	out := RedactAttributes(rules, attrs)
	require.Len(t, out, 4)

	byKey := map[attribute.Key]string{}
	for _, kv := range out {
		byKey[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "cust***chat", byKey["relay.session_key"])
	assert.Equal(t, "[REDACTED]", byKey["relay.owner"])
	assert.Equal(t, "r-1", byKey["relay.request_id"])
	assert.Regexp(t, `^\[REDACTED:hash:[0-9a-f]{8}\]$`, byKey["relay.command"])

	again := RedactAttributes(rules, attrs[1:2])
	assert.Equal(t, byKey["relay.command"], again[0].Value.AsString())
}

func TestRedactAttributesShortValues(t *testing.T) {
	out := RedactAttributes(map[string]string{"k": "mask"}, []attribute.KeyValue{attribute.String("k", "short")})
	assert.Equal(t, "***", out[0].Value.AsString())

	out = RedactAttributes(map[string]string{"k": "hash"}, []attribute.KeyValue{attribute.String("k", "")})
	assert.Equal(t, "[REDACTED:empty]", out[0].Value.AsString())
}

func TestRedactingProcessorRewritesSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(NewRedactingProcessor(map[string]string{"relay.session_key": "replace"})),
		sdktrace.WithSpanProcessor(recorder),
	)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, span := provider.Tracer("test").Start(context.Background(), "relay.send",
		trace.WithAttributes(
			attribute.String("relay.session_key", "chat-42"),
			attribute.String("relay.command", "Say"),
		))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)

	got := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "[REDACTED]", got["relay.session_key"])
	assert.Equal(t, "Say", got["relay.command"])
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{SampleRatio: 1.5}.Validate())
	assert.Error(t, Config{Redact: map[string]string{"k": "scramble"}}.Validate())
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
