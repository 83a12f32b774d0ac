package instrumentation

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/user/calclaw"

// Provider owns the meter provider and the Prometheus registry behind it.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	metrics       *Metrics
}

// NewProvider builds a Prometheus-backed provider. When enabled is false
// the provider records nothing and Handler returns nil.
func NewProvider(enabled bool) (*Provider, error) {
	if !enabled {
		m, err := NewMetrics(noop.NewMeterProvider().Meter(meterName))
		if err != nil {
			return nil, err
		}
		return &Provider{metrics: m}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	m, err := NewMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	return &Provider{meterProvider: mp, registry: registry, metrics: m}, nil
}

// Metrics returns the recorders.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p.registry != nil
}

// Handler serves the Prometheus exposition format, or nil when disabled.
func (p *Provider) Handler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Noop returns recorders that discard everything.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}
