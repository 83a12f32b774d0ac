package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrTool     = "tool"
	attrOutcome  = "outcome"
	attrProvider = "provider"
	attrAction   = "action"
	attrStatus   = "status"
	attrMethod   = "method"
	attrPath     = "path"
)

// Confirmation actions.
const (
	ConfirmRequested  = "requested"
	ConfirmConfirmed  = "confirmed"
	ConfirmRejected   = "rejected"
	ConfirmSuperseded = "superseded"
)

// Metrics provides methods for recording orchestrator metrics.
type Metrics struct {
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram
	modelCallsTotal      metric.Int64Counter
	modelCallDuration    metric.Float64Histogram
	dispatchRounds       metric.Int64Histogram
	confirmationsTotal   metric.Int64Counter
	bulkOutcomesTotal    metric.Int64Counter
	httpRequestsTotal    metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"calclaw_tool_invocations_total",
		metric.WithDescription("Total number of booking tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"calclaw_tool_duration_seconds",
		metric.WithDescription("Booking tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_tool_duration_seconds histogram: %w", err)
	}

	m.modelCallsTotal, err = meter.Int64Counter(
		"calclaw_model_calls_total",
		metric.WithDescription("Total number of language model calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_model_calls_total counter: %w", err)
	}

	m.modelCallDuration, err = meter.Float64Histogram(
		"calclaw_model_call_duration_seconds",
		metric.WithDescription("Language model call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_model_call_duration_seconds histogram: %w", err)
	}

	m.dispatchRounds, err = meter.Int64Histogram(
		"calclaw_dispatch_rounds",
		metric.WithDescription("Model rounds used per request"),
		metric.WithUnit("{round}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_dispatch_rounds histogram: %w", err)
	}

	m.confirmationsTotal, err = meter.Int64Counter(
		"calclaw_confirmations_total",
		metric.WithDescription("Destructive operation confirmations by action"),
		metric.WithUnit("{confirmation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_confirmations_total counter: %w", err)
	}

	m.bulkOutcomesTotal, err = meter.Int64Counter(
		"calclaw_bulk_cancel_outcomes_total",
		metric.WithDescription("Per-booking outcomes of bulk cancellation"),
		metric.WithUnit("{booking}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_bulk_cancel_outcomes_total counter: %w", err)
	}

	m.httpRequestsTotal, err = meter.Int64Counter(
		"calclaw_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calclaw_http_requests_total counter: %w", err)
	}

	return m, nil
}

// RecordToolInvocation records one tool execution. outcome is "ok" or an
// error kind.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(attrTool, tool),
		attribute.String(attrOutcome, outcome),
	)
	m.toolInvocationsTotal.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordModelCall records one language model call.
func (m *Metrics) RecordModelCall(ctx context.Context, provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(attrProvider, provider),
		attribute.String(attrOutcome, outcome),
	)
	m.modelCallsTotal.Add(ctx, 1, attrs)
	m.modelCallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRounds records how many model rounds a request used.
func (m *Metrics) RecordRounds(ctx context.Context, rounds int) {
	if m == nil {
		return
	}
	m.dispatchRounds.Record(ctx, int64(rounds))
}

// RecordConfirmation records a confirmation state change.
func (m *Metrics) RecordConfirmation(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.confirmationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrAction, action)))
}

// RecordBulkOutcome adds n bulk-cancel items with the given status.
func (m *Metrics) RecordBulkOutcome(ctx context.Context, status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bulkOutcomesTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordHTTPRequest records one HTTP request by route template.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.Int(attrStatus, status),
	))
}
