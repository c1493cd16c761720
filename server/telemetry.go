package server

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timzifer/pvcore/config"
	"github.com/timzifer/pvcore/telemetry"
)

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, prometheus.Gatherer, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil, nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, nil, err
		}
		return collector, prometheus.DefaultGatherer, nil
	case "noop":
		return telemetry.Noop(), nil, nil
	default:
		return telemetry.Noop(), nil, fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
