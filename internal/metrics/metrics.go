package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service's Prometheus instruments. A nil *Collector is valid
// and records nothing, so components can run without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	relayOutcomes  *prometheus.CounterVec
	relayFragments prometheus.Histogram

	recorderWrites   *prometheus.CounterVec
	recorderInflight prometheus.Gauge
}

// NewCollector registers all instruments on reg. A nil reg uses a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_requests_total",
			Help: "Inbound chat requests by endpoint and response mode",
		}, []string{"endpoint", "mode"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_request_errors_total",
			Help: "Inbound chat requests rejected or failed, by endpoint and reason",
		}, []string{"endpoint", "reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatflow_request_duration_seconds",
			Help:    "Wall time of inbound chat requests, including the full stream",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"endpoint", "mode"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_upstream_requests_total",
			Help: "Outbound upstream calls by mode and result",
		}, []string{"mode", "result"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatflow_upstream_duration_seconds",
			Help:    "Time until the upstream answered (blocking) or started streaming",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"mode"}),
		relayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_relay_outcomes_total",
			Help: "Stream relays by terminal state",
		}, []string{"state"}),
		relayFragments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatflow_relay_fragments",
			Help:    "Answer fragments forwarded per stream",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		recorderWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_recorder_writes_total",
			Help: "Turn record writes by result (ok, error, dropped, abandoned)",
		}, []string{"result"}),
		recorderInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatflow_recorder_inflight",
			Help: "Turn records queued or being written",
		}),
	}
	reg.MustRegister(
		c.requests, c.requestErrors, c.requestDuration,
		c.upstreamRequests, c.upstreamDuration,
		c.relayOutcomes, c.relayFragments,
		c.recorderWrites, c.recorderInflight,
	)
	return c
}

// Handler exposes the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records a finished inbound request.
func (c *Collector) RecordRequest(endpoint, mode string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(endpoint, mode).Inc()
	c.requestDuration.WithLabelValues(endpoint, mode).Observe(duration.Seconds())
}

// RecordError records an inbound request that failed for reason.
func (c *Collector) RecordError(endpoint, reason string) {
	if c == nil {
		return
	}
	c.requestErrors.WithLabelValues(endpoint, reason).Inc()
}

// RecordUpstream records one outbound call. result is derived from err by classify.
func (c *Collector) RecordUpstream(mode string, duration time.Duration, err error, classify func(error) string) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if classify != nil {
			result = classify(err)
		}
	}
	c.upstreamRequests.WithLabelValues(mode, result).Inc()
	c.upstreamDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRelay records the terminal state of a stream and how many fragments it forwarded.
func (c *Collector) RecordRelay(state string, fragments int) {
	if c == nil {
		return
	}
	c.relayOutcomes.WithLabelValues(state).Inc()
	c.relayFragments.Observe(float64(fragments))
}

// RecordWrite records the result of a turn record write.
func (c *Collector) RecordWrite(result string) {
	if c == nil {
		return
	}
	c.recorderWrites.WithLabelValues(result).Inc()
}

// AddInflight adjusts the recorder in-flight gauge.
func (c *Collector) AddInflight(delta int) {
	if c == nil {
		return
	}
	c.recorderInflight.Add(float64(delta))
}
