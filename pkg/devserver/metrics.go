package devserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics keeps its own registry so multiple servers in one process do
// not fight over collector registration.
type serverMetrics struct {
	registry *prometheus.Registry

	requestsTotal      prometheus.Counter
	buildsTotal        prometheus.Counter
	buildFailuresTotal prometheus.Counter
	reloadClients      prometheus.Gauge
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmctl",
			Name:      "http_requests_total",
			Help:      "Requests served from the output directory",
		}),
		buildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmctl",
			Name:      "builds_total",
			Help:      "Successful builds observed by the dev server",
		}),
		buildFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmctl",
			Name:      "build_failures_total",
			Help:      "Failed builds observed by the dev server",
		}),
		reloadClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wasmctl",
			Name:      "livereload_clients",
			Help:      "Currently connected live-reload clients",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.buildsTotal,
		m.buildFailuresTotal,
		m.reloadClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
