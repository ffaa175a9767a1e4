// Package telemetry wires OpenTelemetry metrics to a Prometheus endpoint.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the Prometheus exporter, sets the global meter
// provider, and creates this engine's instruments.
func InitMetrics() error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	holder := GetGlobalMetrics()
	meter := provider.Meter("trade_engine_core")
	if err := holder.InitMetrics(meter); err != nil {
		return fmt.Errorf("failed to initialize instruments: %w", err)
	}

	return nil
}

// ServeMetrics exposes /metrics on the given port. Blocks; run in a goroutine.
func ServeMetrics(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
