package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnehpets/onerpc/endpoint"
)

// MetricsProcessor records per-request metrics on a private registry:
// an in-flight gauge, a counter by method and status class, and a latency
// histogram by method.
//
// The registry is private so that tests and multi-server binaries do not
// collide on prometheus.DefaultRegisterer. Expose it with Handler, e.g.
//
//	mux.Handle("/metrics", metrics.Handler())
type MetricsProcessor struct {
	registry *prometheus.Registry
	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetricsProcessor creates a MetricsProcessor. The namespace prefixes all
// metric names; empty defaults to "onerpc".
func NewMetricsProcessor(namespace string) *MetricsProcessor {
	if namespace == "" {
		namespace = "onerpc"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &MetricsProcessor{
		registry: registry,
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight_requests", Help: "Number of requests currently being served"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Number of completed requests by method and status class"}, []string{"method", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds", Help: "Request latency by method",
			Buckets: prometheus.DefBuckets}, []string{"method"}),
	}
}

// Registry returns the processor's registry, for registering application
// metrics alongside the request metrics.
func (p *MetricsProcessor) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns a scrape handler for the processor's registry.
func (p *MetricsProcessor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Process implements endpoint.Processor.
func (p *MetricsProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	p.inFlight.Inc()
	defer p.inFlight.Dec()

	begin := time.Now()
	sr := &statusRecorder{ResponseWriter: w}

	err := next(sr, r)

	p.requests.WithLabelValues(r.Method, statusClass(responseStatus(sr, err))).Inc()
	p.duration.WithLabelValues(r.Method).Observe(time.Since(begin).Seconds())

	return err
}

// statusClass buckets a status code into 1xx..5xx to bound label cardinality.
func statusClass(status int) string {
	class := status / 100
	if class < 1 || class > 5 {
		return "unknown"
	}
	return strconv.Itoa(class) + "xx"
}

var _ endpoint.Processor = (*MetricsProcessor)(nil)
