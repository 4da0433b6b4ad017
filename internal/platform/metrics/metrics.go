// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patientflow"

// Sync directions.
const (
	QueueToJourney = "queue_to_journey"
	JourneyToQueue = "journey_to_queue"
)

type Metrics struct {
	registry        *prometheus.Registry
	transitions     *prometheus.CounterVec
	syncWrites      *prometheus.CounterVec
	syncDivergence  prometheus.Counter
	publishFailures *prometheus.CounterVec
	fanoutDropped   prometheus.Counter
	operations      *prometheus.HistogramVec
	httpRequests    *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	panics          *prometheus.CounterVec
}

// New registers every collector on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed state changes by aggregate and kind.",
		}, []string{"aggregate", "kind"}),
		syncWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_writes_total",
			Help:      "Writes made by the synchronization mediator.",
		}, []string{"direction"}),
		syncDivergence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_divergence_total",
			Help:      "Mediator rounds stopped at the recursion bound with a remaining difference.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed fan-out deliveries by publisher.",
		}, []string{"publisher"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Transition events dropped before delivery.",
		}),
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "In-flight HTTP requests.",
		}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Handler panics recovered, by route.",
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.syncWrites, m.syncDivergence,
		m.publishFailures, m.fanoutDropped,
		m.operations, m.httpRequests, m.activeRequests, m.panics,
	)
	return m
}

func (m *Metrics) Transition(aggregate, kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(aggregate, kind).Inc()
}

func (m *Metrics) SyncWrite(direction string) {
	if m == nil {
		return
	}
	m.syncWrites.WithLabelValues(direction).Inc()
}

func (m *Metrics) SyncDivergence() {
	if m == nil {
		return
	}
	m.syncDivergence.Inc()
}

// PublishFailed and FanoutDropped satisfy notification.Recorder.
func (m *Metrics) PublishFailed(publisher string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(publisher).Inc()
}

func (m *Metrics) FanoutDropped() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

// Panicked satisfies middleware.PanicRecorder.
func (m *Metrics) Panicked(route string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(route).Inc()
}

// ObserveOperation records how long an engine operation took. outcome is a
// short error class such as "ok", "conflict" or "illegal".
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware records request latency by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpRequests.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
