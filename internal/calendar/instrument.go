package calendar

import (
	"context"

	"github.com/user/calclaw/internal/instrumentation"
)

// Instrumented wraps a so that bulk cancellation outcomes are counted.
func Instrumented(a Adapter, m *instrumentation.Metrics) Adapter {
	if m == nil {
		return a
	}
	return &instrumented{Adapter: a, metrics: m}
}

type instrumented struct {
	Adapter
	metrics *instrumentation.Metrics
}

func (i *instrumented) CancelAllBookings(ctx context.Context, f Filter, reason string) (*BulkResult, error) {
	res, err := i.Adapter.CancelAllBookings(ctx, f, reason)
	if err != nil {
		return nil, err
	}
	i.metrics.RecordBulkOutcome(ctx, string(OutcomeCancelled), res.Cancelled)
	i.metrics.RecordBulkOutcome(ctx, string(OutcomeFailed), res.Failed)
	return res, nil
}
