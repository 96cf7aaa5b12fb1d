// Package metrics exposes Prometheus collectors for the write path.
//
// A nil *Writer is valid and records nothing, so components take an optional
// writer without guarding every call.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request status label values.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Writer records bulk write metrics.
type Writer struct {
	reg *prometheus.Registry

	rowsWritten  prometheus.Counter       // shardwrite_rows_written_total
	itemFailures *prometheus.CounterVec   // shardwrite_item_failures_total{kind}
	requests     *prometheus.CounterVec   // shardwrite_shard_requests_total{node,status}
	inflight     *prometheus.GaugeVec     // shardwrite_inflight_requests{node}
	duration     *prometheus.HistogramVec // shardwrite_shard_request_duration_seconds{status}
}

// NewWriter creates a Writer with its own registry.
func NewWriter() (*Writer, error) {
	reg := prometheus.NewRegistry()

	w := &Writer{
		reg: reg,
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardwrite_rows_written_total",
			Help: "Rows inserted or updated by bulk writes.",
		}),
		itemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardwrite_item_failures_total",
			Help: "Rows or items that failed, by failure kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardwrite_shard_requests_total",
			Help: "Shard requests sent, by node and outcome.",
		}, []string{"node", "status"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardwrite_inflight_requests",
			Help: "Shard requests currently in flight, by node.",
		}, []string{"node"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardwrite_shard_request_duration_seconds",
			Help:    "Shard request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"rows_written":  w.rowsWritten,
		"item_failures": w.itemFailures,
		"requests":      w.requests,
		"inflight":      w.inflight,
		"duration":      w.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register %s: %w", name, err)
		}
	}
	return w, nil
}

// Registry returns the registry holding the collectors.
func (w *Writer) Registry() *prometheus.Registry {
	if w == nil {
		return nil
	}
	return w.reg
}

// Handler serves the collectors in the Prometheus exposition format.
func (w *Writer) Handler() http.Handler {
	if w == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(w.reg, promhttp.HandlerOpts{})
}

func (w *Writer) RowsWritten(n int) {
	if w == nil || n <= 0 {
		return
	}
	w.rowsWritten.Add(float64(n))
}

func (w *Writer) ItemFailures(kind string, n int) {
	if w == nil || n <= 0 {
		return
	}
	w.itemFailures.WithLabelValues(kind).Add(float64(n))
}

// RequestStarted marks a request to node as in flight.
func (w *Writer) RequestStarted(node string) {
	if w == nil {
		return
	}
	w.inflight.WithLabelValues(node).Inc()
}

// RequestFinished records the outcome of a request started with RequestStarted.
func (w *Writer) RequestFinished(node, status string, elapsed time.Duration) {
	if w == nil {
		return
	}
	w.inflight.WithLabelValues(node).Dec()
	w.requests.WithLabelValues(node, status).Inc()
	w.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}
