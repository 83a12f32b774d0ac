// Package instrumentation records orchestrator metrics with OpenTelemetry
// and exposes them in Prometheus format. When metrics are disabled every
// recorder is backed by a noop meter, so callers never nil-check.
package instrumentation
