package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes used as the "outcome" label
const (
	OutcomeOK           = "ok"
	OutcomeWorkerError  = "worker_error"
	OutcomeMalformed    = "malformed"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeUnavailable  = "unavailable"
	OutcomeWriteFailed  = "write_failed"
	OutcomeAbandoned    = "abandoned"
)

// Metrics holds all application metrics. All methods are safe on a nil
// receiver so components can run without a registry in tests.
type Metrics struct {
	// Broker state
	QueueDepth   atomic.Int64
	StrayReplies atomic.Uint64
	DecodeErrors atomic.Uint64

	// Supervisor state
	Ready      atomic.Uint64 // 0 = not ready, 1 = ready
	Generation atomic.Uint64
	Restarts   atomic.Uint64

	// Gateway
	UploadBytes atomic.Uint64
	FeedClients atomic.Uint64

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licenseai_worker_requests_total",
			Help: "Worker requests by action and outcome",
		}, []string{"action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "licenseai_worker_request_duration_seconds",
			Help:    "Time from enqueue to resolution of a worker request",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),
	}

	m.registry.MustRegister(m.requests, m.latency)
	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers the gauge-style metrics backed by atomics
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "licenseai_broker_queue_depth",
			Help: "Requests written to the worker and awaiting a reply",
		},
		func() float64 { return float64(m.QueueDepth.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "licenseai_broker_stray_replies_total",
			Help: "Worker replies received with no pending request",
		},
		func() float64 { return float64(m.StrayReplies.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "licenseai_protocol_decode_errors_total",
			Help: "Worker output lines that were not valid JSON",
		},
		func() float64 { return float64(m.DecodeErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "licenseai_worker_ready",
			Help: "Worker readiness (0=not ready, 1=ready)",
		},
		func() float64 { return float64(m.Ready.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "licenseai_worker_generation",
			Help: "Generation number of the current worker process",
		},
		func() float64 { return float64(m.Generation.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "licenseai_worker_restarts_total",
			Help: "Worker restarts scheduled after an exit",
		},
		func() float64 { return float64(m.Restarts.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "licenseai_upload_bytes_total",
			Help: "Bytes of image uploads spooled to disk",
		},
		func() float64 { return float64(m.UploadBytes.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "licenseai_feed_clients",
			Help: "Connected WebRTC result feed clients",
		},
		func() float64 { return float64(m.FeedClients.Load()) },
	))
}

// ObserveRequest records the outcome of one worker request
func (m *Metrics) ObserveRequest(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(elapsed.Seconds())
}

// SetQueueDepth updates the broker queue depth
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Store(int64(n))
	}
}

// IncStrayReplies counts a reply that matched no pending request
func (m *Metrics) IncStrayReplies() {
	if m != nil {
		m.StrayReplies.Add(1)
	}
}

// IncDecodeErrors counts a malformed protocol line
func (m *Metrics) IncDecodeErrors() {
	if m != nil {
		m.DecodeErrors.Add(1)
	}
}

// SetReady updates the readiness gauge
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.Ready.Store(1)
	} else {
		m.Ready.Store(0)
	}
}

// SetGeneration records the current worker generation
func (m *Metrics) SetGeneration(gen uint64) {
	if m != nil {
		m.Generation.Store(gen)
	}
}

// IncRestarts counts a scheduled restart
func (m *Metrics) IncRestarts() {
	if m != nil {
		m.Restarts.Add(1)
	}
}

// AddUploadBytes counts spooled upload bytes
func (m *Metrics) AddUploadBytes(n int64) {
	if m != nil && n > 0 {
		m.UploadBytes.Add(uint64(n))
	}
}

// SetFeedClients updates the connected feed client gauge
func (m *Metrics) SetFeedClients(n int) {
	if m != nil {
		m.FeedClients.Store(uint64(n))
	}
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an http.Server exposing only /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
