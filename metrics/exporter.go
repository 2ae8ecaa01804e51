package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves client metrics on its own registry.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter creates a registry holding a collector for source, plus the
// Go runtime collector.
func NewExporter(source StatsSource) *Exporter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
	)
	return &Exporter{registry: registry}
}

// Registry returns the registry, for registering more collectors.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns an HTTP handler for the /metrics endpoint
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ListenAndServe serves /metrics on addr until the server fails.
func (e *Exporter) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	return server.ListenAndServe()
}
