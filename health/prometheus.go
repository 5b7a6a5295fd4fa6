package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter publishes monitor samples as prometheus gauges.
type Exporter struct {
	registry *prometheus.Registry
	values   *prometheus.GaugeVec
	alerts   prometheus.Gauge
}

// NewExporter creates an exporter with its own registry so the service does
// not leak default-registry collectors into its metrics endpoint.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()
	values := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "metric_value",
		Help:      "Latest sampled value per monitored metric.",
	}, []string{"metric"})
	alerts := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "active_alerts",
		Help:      "Number of open alerts.",
	})
	registry.MustRegister(values, alerts)
	return &Exporter{registry: registry, values: values, alerts: alerts}
}

// Set records a metric value.
func (e *Exporter) Set(name string, value float64) {
	e.values.WithLabelValues(name).Set(value)
}

// SetAlertCount records the open alert count.
func (e *Exporter) SetAlertCount(n int) {
	e.alerts.Set(float64(n))
}

// Handler serves the /metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
