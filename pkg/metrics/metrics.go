// Package metrics exposes Prometheus metrics for the relay.
//
// All recording methods are safe to call on a nil *Collector, which turns
// them into no-ops. Callers that do not care about metrics can pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "branchrelay"

// Request outcomes recorded by RecordRequest.
const (
	OutcomeStreamed        = "streamed"
	OutcomeConfigError     = "config_error"
	OutcomeValidationError = "validation_error"
	OutcomeNetworkError    = "network_error"
	OutcomeUpstreamError   = "upstream_error"
)

// Collector owns the relay metrics and the registry they are registered in.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec
	streamedChunks  prometheus.Counter
	streamedBytes   prometheus.Counter
	skippedFrames   prometheus.Counter
	activeStreams   prometheus.Gauge
}

// NewCollector creates a collector and registers its metrics with registry.
// A fresh registry is created when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Relay requests by route and outcome.",
		}, []string{"route", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time until the relay committed to a response, by route.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"route"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_response_seconds",
			Help:      "Time until upstream response headers arrived, by status code.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status"}),
		streamedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_chunks_total",
			Help:      "Text deltas forwarded to callers.",
		}),
		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes of generated text forwarded to callers.",
		}),
		skippedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_frames_total",
			Help:      "Malformed upstream stream frames that were skipped.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently being relayed.",
		}),
	}

	registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.upstreamLatency,
		c.streamedChunks,
		c.streamedBytes,
		c.skippedFrames,
		c.activeStreams,
	)

	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRequest records the outcome of a relay request.
func (c *Collector) RecordRequest(route, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(route, outcome).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstreamResponse records how long upstream took to answer with status.
// A status of 0 means no response was received.
func (c *Collector) RecordUpstreamResponse(status int, latency time.Duration) {
	if c == nil {
		return
	}
	c.upstreamLatency.WithLabelValues(strconv.Itoa(status)).Observe(latency.Seconds())
}

// RecordChunk records a forwarded text delta of n bytes.
func (c *Collector) RecordChunk(n int) {
	if c == nil {
		return
	}
	c.streamedChunks.Inc()
	c.streamedBytes.Add(float64(n))
}

// RecordSkippedFrame records a malformed frame dropped from a stream.
func (c *Collector) RecordSkippedFrame() {
	if c == nil {
		return
	}
	c.skippedFrames.Inc()
}

// StreamStarted increments the active stream gauge.
func (c *Collector) StreamStarted() {
	if c == nil {
		return
	}
	c.activeStreams.Inc()
}

// StreamFinished decrements the active stream gauge.
func (c *Collector) StreamFinished() {
	if c == nil {
		return
	}
	c.activeStreams.Dec()
}

// Handler returns an HTTP handler serving the collector's registry in the
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
