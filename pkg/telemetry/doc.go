// Package telemetry provides observability for the forge build engine:
// structured logging via zerolog, Prometheus metrics for build runs, node
// outcomes and cache behavior, and OpenTelemetry tracing with OTLP and
// stdout exporters.
//
// The BuildObserver bridges scheduler completions into the metrics
// collectors, so the engine itself stays free of metric dependencies.
package telemetry
