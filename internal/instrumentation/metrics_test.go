package instrumentation

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProviderDisabled(t *testing.T) {
	p, err := NewProvider(false)
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled() {
		t.Error("expected disabled provider")
	}
	if p.Handler() != nil {
		t.Error("expected nil handler when disabled")
	}
	// Recording on noop instruments must not panic.
	p.Metrics().RecordToolInvocation(context.Background(), "create_booking", "ok", time.Second)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestProviderExportsPrometheus(t *testing.T) {
	p, err := NewProvider(true)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	m := p.Metrics()
	m.RecordToolInvocation(ctx, "cancel_booking", "not_found", 20*time.Millisecond)
	m.RecordConfirmation(ctx, ConfirmRequested)
	m.RecordBulkOutcome(ctx, "cancelled", 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"calclaw_tool_invocations_total",
		`tool="cancel_booking"`,
		"calclaw_confirmations_total",
		"calclaw_bulk_cancel_outcomes_total",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRounds(context.Background(), 2)
	m.RecordModelCall(context.Background(), "openai", "ok", time.Second)
}
