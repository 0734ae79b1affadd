// Package metrics provides the Prometheus metrics collaborator shared by every
// sink in the process.
//
// # Naming convention
//
// Every sink-level family carries a single "sink" label holding the sink
// name, so one Metrics value can serve any number of sink instances:
//
//	sinkd_messages_dropped_total{sink="..."}
//	sinkd_messages_delivered_total{sink="..."}
//	sinkd_messages_failed_total{sink="..."}
//	sinkd_written_bytes_total{sink="..."}
//	sinkd_file_rotations_total{sink="..."}
//	sinkd_pending_messages{sink="..."}
//	sinkd_sink_health{sink="..."}          1 = ALIVE, 0 = WARNING
//
// HTTP counters use method/path/status labels.
//
// All methods are nil-safe: a nil *Metrics records nothing, so tests and
// embedded uses can skip metrics entirely.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/epochsink/internal/types"
)

// Metrics holds all sinkd Prometheus metrics.
type Metrics struct {
	Dropped   *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Rotations *prometheus.CounterVec
	Pending   *prometheus.GaugeVec
	Health    *prometheus.GaugeVec

	HTTPReqs *prometheus.CounterVec
	HTTPDur  *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates and registers all sinkd metrics with reg. When reg is also a
// prometheus.Gatherer (e.g. *prometheus.Registry) Handler serves from it.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkd_messages_dropped_total",
			Help: "Messages rejected by a full queue or lost to a failed write.",
		}, []string{"sink"}),

		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkd_messages_delivered_total",
			Help: "Messages handed to a successful write.",
		}, []string{"sink"}),

		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkd_messages_failed_total",
			Help: "Messages in batches whose write failed and were not retried.",
		}, []string{"sink"}),

		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkd_written_bytes_total",
			Help: "Bytes appended to output files.",
		}, []string{"sink"}),

		Rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkd_file_rotations_total",
			Help: "Output files marked done.",
		}, []string{"sink"}),

		Pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sinkd_pending_messages",
			Help: "Messages accepted but not yet written.",
		}, []string{"sink"}),

		Health: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sinkd_sink_health",
			Help: "Sink health: 1 = ALIVE, 0 = WARNING.",
		}, []string{"sink"}),

		HTTPReqs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkd_http_requests_total",
			Help: "HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		HTTPDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sinkd_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// MessagesDropped adds n to the dropped counter of sink.
func (m *Metrics) MessagesDropped(sink string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Dropped.WithLabelValues(sink).Add(float64(n))
}

// MessagesDelivered adds n to the delivered counter of sink.
func (m *Metrics) MessagesDelivered(sink string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Delivered.WithLabelValues(sink).Add(float64(n))
}

// MessagesFailed adds n to the failed-deliveries counter of sink.
func (m *Metrics) MessagesFailed(sink string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Failed.WithLabelValues(sink).Add(float64(n))
}

// BytesWritten adds n to the written-bytes counter of sink.
func (m *Metrics) BytesWritten(sink string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Bytes.WithLabelValues(sink).Add(float64(n))
}

// FileRotated increments the rotation counter of sink.
func (m *Metrics) FileRotated(sink string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(sink).Inc()
}

// SetPending records the pending-message gauge of sink.
func (m *Metrics) SetPending(sink string, n int64) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues(sink).Set(float64(n))
}

// SetHealth records the health gauge of sink.
func (m *Metrics) SetHealth(sink string, s types.Status) {
	if m == nil {
		return
	}
	v := 0.0
	if s == types.StatusAlive {
		v = 1
	}
	m.Health.WithLabelValues(sink).Set(v)
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDur.WithLabelValues(method, path).Observe(seconds)
}

// Handler returns an http.Handler that renders the registry in the Prometheus
// exposition format. It falls back to the default gatherer when the registry
// passed to New cannot gather.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
