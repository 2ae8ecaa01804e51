// Package metrics exports client statistics to Prometheus.
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(metrics.NewCollector(client))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/qclient"
)

// StatsSource is what the collector reads on every scrape. *qclient.Client
// implements it.
type StatsSource interface {
	Stats() qclient.ClientStats
	NodeStats() []qclient.NodeStats
}

// Collector is a prometheus.Collector reading client statistics at scrape
// time. It keeps no state of its own.
type Collector struct {
	source StatsSource

	operations      *prometheus.Desc
	errors          *prometheus.Desc
	bytes           *prometheus.Desc
	nodeRequests    *prometheus.Desc
	nodeErrors      *prometheus.Desc
	slotsInUse      *prometheus.Desc
	slotsMax        *prometheus.Desc
	slotWaits       *prometheus.Desc
	circuitState    *prometheus.Desc
	circuitFailures *prometheus.Desc
}

// NewCollector returns a collector for source. Metric names are prefixed
// with "qclient_".
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		operations: prometheus.NewDesc(
			"qclient_operations_total",
			"Total client operations",
			[]string{"op"}, nil,
		),
		errors: prometheus.NewDesc(
			"qclient_errors_total",
			"Total failed operations by error class",
			[]string{"class"}, nil, // transport, timeout, request
		),
		bytes: prometheus.NewDesc(
			"qclient_body_bytes_total",
			"Body bytes exchanged, as sent on the wire",
			[]string{"direction"}, nil, // sent, received
		),
		nodeRequests: prometheus.NewDesc(
			"qclient_node_requests_total",
			"Requests sent to a node",
			[]string{"node"}, nil,
		),
		nodeErrors: prometheus.NewDesc(
			"qclient_node_errors_total",
			"Transport errors of a node",
			[]string{"node"}, nil,
		),
		slotsInUse: prometheus.NewDesc(
			"qclient_node_slots_in_use",
			"In-flight requests holding a slot",
			[]string{"node"}, nil,
		),
		slotsMax: prometheus.NewDesc(
			"qclient_node_slots_max",
			"Maximum in-flight requests",
			[]string{"node"}, nil,
		),
		slotWaits: prometheus.NewDesc(
			"qclient_node_slot_waits_total",
			"Requests that waited for a free slot",
			[]string{"node"}, nil,
		),
		circuitState: prometheus.NewDesc(
			"qclient_circuit_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)",
			[]string{"node"}, nil,
		),
		circuitFailures: prometheus.NewDesc(
			"qclient_circuit_breaker_failures",
			"Circuit breaker failure counts in the current interval",
			[]string{"node", "type"}, nil, // total, consecutive
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.operations
	ch <- c.errors
	ch <- c.bytes
	ch <- c.nodeRequests
	ch <- c.nodeErrors
	ch <- c.slotsInUse
	ch <- c.slotsMax
	ch <- c.slotWaits
	ch <- c.circuitState
	ch <- c.circuitFailures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	counter(c.operations, stats.Posts, "post")
	counter(c.operations, stats.Gets, "get")
	counter(c.operations, stats.Queries, "query")
	counter(c.operations, stats.StatusChecks, "status")

	counter(c.errors, stats.TransportErrors-stats.Timeouts, "transport")
	counter(c.errors, stats.Timeouts, "timeout")
	counter(c.errors, stats.RequestErrors, "request")

	counter(c.bytes, stats.BytesSent, "sent")
	counter(c.bytes, stats.BytesReceived, "received")

	for _, node := range c.source.NodeStats() {
		counter(c.nodeRequests, node.Requests, node.URL)
		counter(c.nodeErrors, node.Errors, node.URL)

		if node.Slots.MaxSlots > 0 {
			gauge(c.slotsInUse, float64(node.Slots.InUse), node.URL)
			gauge(c.slotsMax, float64(node.Slots.MaxSlots), node.URL)
			counter(c.slotWaits, uint64(node.Slots.AcquireWaitCount), node.URL)
		}

		gauge(c.circuitState, circuitStateValue(node.CircuitBreakerState), node.URL)
		gauge(c.circuitFailures, float64(node.CircuitBreakerCounts.TotalFailures), node.URL, "total")
		gauge(c.circuitFailures, float64(node.CircuitBreakerCounts.ConsecutiveFailures), node.URL, "consecutive")
	}
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
