// Package observability provides an OpenTelemetry-based metrics
// extension for the control plane. The MetricsExtension implements
// lifecycle hooks to record system-wide counters for task enqueue,
// completion, failure, drop, election changes, refresh cycles, emitted
// events and action transitions.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
