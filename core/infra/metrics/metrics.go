package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatchMetrics captures counters for the request dispatch path.
type DispatchMetrics interface {
	IncDispatched(endpoint, outcome string)
	IncColdStartRejected(cluster string)
	ObserveBackendLatency(cluster string, seconds float64)
}

// BatchMetrics captures batch lifecycle transitions.
type BatchMetrics interface {
	IncBatchTransition(cluster, status string)
	IncBatchLost(cluster string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncDispatched(string, string)                   {}
func (Noop) IncColdStartRejected(string)                    {}
func (Noop) ObserveBackendLatency(string, float64)          {}
func (Noop) IncBatchTransition(string, string)              {}
func (Noop) IncBatchLost(string)                            {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements DispatchMetrics and BatchMetrics backed by Prometheus.
type Prom struct {
	dispatched       *prometheus.CounterVec
	coldRejected     *prometheus.CounterVec
	backendLatency   *prometheus.HistogramVec
	batchTransitions *prometheus.CounterVec
	batchLost        *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatched requests by endpoint slug and outcome",
		}, []string{"endpoint", "outcome"}),
		coldRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cold_start_rejections_total",
			Help:      "Submissions rejected while a target was warming up",
		}, []string{"cluster"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Backend submission latency by cluster",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"cluster"}),
		batchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transitions_total",
			Help:      "Batch status transitions by cluster and new status",
		}, []string{"cluster", "status"}),
		batchLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_lost_total",
			Help:      "Batches failed by the lost-task recovery heuristic",
		}, []string{"cluster"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.dispatched, p.coldRejected, p.backendLatency, p.batchTransitions, p.batchLost)
	})
}

func (p *Prom) IncDispatched(endpoint, outcome string) {
	p.dispatched.WithLabelValues(endpoint, outcome).Inc()
}

func (p *Prom) IncColdStartRejected(cluster string) {
	p.coldRejected.WithLabelValues(cluster).Inc()
}

func (p *Prom) ObserveBackendLatency(cluster string, seconds float64) {
	p.backendLatency.WithLabelValues(cluster).Observe(seconds)
}

func (p *Prom) IncBatchTransition(cluster, status string) {
	p.batchTransitions.WithLabelValues(cluster, status).Inc()
}

func (p *Prom) IncBatchLost(cluster string) {
	p.batchLost.WithLabelValues(cluster).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.register()
	return g
}

func (g *gatewayProm) register() {
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
