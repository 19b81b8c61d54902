// Package observability provides an OpenTelemetry-based metrics extension
// for renderq. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job enqueue, start, completion, failure, retry,
// and cancellation, plus an end-to-end duration histogram.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
