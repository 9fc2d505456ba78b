package httpx

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the meter provider and the registry it exports to.
type Metrics struct {
	Provider *metric.MeterProvider
	registry *prometheus.Registry
}

// SetupPrometheus creates a meter provider backed by a dedicated
// Prometheus registry.
func SetupPrometheus() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Provider: metric.NewMeterProvider(metric.WithReader(exporter)),
		registry: registry,
	}, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.Provider == nil {
		return nil
	}
	return m.Provider.Shutdown(ctx)
}
