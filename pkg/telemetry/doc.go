// Package telemetry wires the OpenTelemetry trace exporter for the relay.
//
// It centralises tracer provider setup, applies service resource attributes,
// and installs a span processor that redacts configured attributes (session
// keys, command names) before they leave the process.
package telemetry
