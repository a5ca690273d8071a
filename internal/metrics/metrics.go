// Package metrics exposes the service's Prometheus instrumentation on
// a private registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "h5serve"

// Metrics bundles the registry and the request-level collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	csvBytes prometheus.Counter
}

// New builds a registry with the standard process and Go collectors
// plus the service's own series.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		csvBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csv_bytes_total",
			Help:      "Bytes streamed by CSV exports.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.csvBytes)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, method string, code int, seconds float64) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(seconds)
}

// AddCSVBytes counts bytes written to CSV streams.
func (m *Metrics) AddCSVBytes(n int64) {
	if n > 0 {
		m.csvBytes.Add(float64(n))
	}
}

// WatchCache exports the response cache's hit and miss counters.
func (m *Metrics) WatchCache(stats func() (hits, misses uint64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "response_cache",
			Name:      "hits_total",
			Help:      "Response cache hits.",
		}, func() float64 {
			hits, _ := stats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "response_cache",
			Name:      "misses_total",
			Help:      "Response cache misses.",
		}, func() float64 {
			_, misses := stats()
			return float64(misses)
		}),
	)
}

// WatchPool exports the reader pool's occupancy gauges.
func (m *Metrics) WatchPool(stats func() (open, idle int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader_pool",
			Name:      "open",
			Help:      "Open container readers.",
		}, func() float64 {
			open, _ := stats()
			return float64(open)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader_pool",
			Name:      "idle",
			Help:      "Idle container readers.",
		}, func() float64 {
			_, idle := stats()
			return float64(idle)
		}),
	)
}
