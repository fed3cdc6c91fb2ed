// Package observability provides an OpenTelemetry metrics extension for
// courier. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for message enqueue, delivery, throttle, retry,
// dead-letter, and cancel events.
//
// For per-attempt tracing and latency histograms, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
