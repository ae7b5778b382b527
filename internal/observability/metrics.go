package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API, worker and barrier flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	batchesTotal          *prometheus.CounterVec
	batchDuration         *prometheus.HistogramVec
	unconfirmedEntities   *prometheus.CounterVec
	actionsFailedTotal    *prometheus.CounterVec
	teardownFailuresTotal prometheus.Counter
	barrierInflight       *prometheus.GaugeVec
	rolloutsTotal         *prometheus.CounterVec
	workerInflight        prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rollout_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rollout_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rollout_engine",
				Name:      "batches_total",
				Help:      "Total number of batch transitions by condition and outcome.",
			},
			[]string{"condition", "outcome"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rollout_engine",
				Name:      "batch_duration_seconds",
				Help:      "Batch transition duration in seconds grouped by condition.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"condition"},
		),
		unconfirmedEntities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rollout_engine",
				Name:      "unconfirmed_entities_total",
				Help:      "Total number of entities that did not confirm before a batch ended.",
			},
			[]string{"condition"},
		),
		actionsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rollout_engine",
				Name:      "actions_failed_total",
				Help:      "Total number of state-change requests the entity API rejected.",
			},
			[]string{"action"},
		),
		teardownFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rollout_engine",
				Name:      "subscription_teardown_failures_total",
				Help:      "Total number of subscription sets that could not be cleared.",
			},
		),
		barrierInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rollout_engine",
				Name:      "barrier_inflight",
				Help:      "Current number of in-flight batch transitions grouped by strategy.",
			},
			[]string{"strategy"},
		),
		rolloutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rollout_engine",
				Name:      "rollouts_total",
				Help:      "Total number of finished rollouts by final status.",
			},
			[]string{"status"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rollout_engine",
				Name:      "worker_inflight",
				Help:      "Current number of rollouts being executed by workers.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesTotal,
		m.batchDuration,
		m.unconfirmedEntities,
		m.actionsFailedTotal,
		m.teardownFailuresTotal,
		m.barrierInflight,
		m.rolloutsTotal,
		m.workerInflight,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

// ObserveBatch records the end of one batch transition.
func (m *Metrics) ObserveBatch(condition string, outcome string, duration time.Duration, unconfirmed int) {
	if m == nil {
		return
	}
	conditionLabel := normalizeLabel(condition)
	m.batchesTotal.WithLabelValues(conditionLabel, normalizeLabel(outcome)).Inc()

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.batchDuration.WithLabelValues(conditionLabel).Observe(seconds)

	if unconfirmed > 0 {
		m.unconfirmedEntities.WithLabelValues(conditionLabel).Add(float64(unconfirmed))
	}
}

func (m *Metrics) IncActionFailed(action string) {
	if m == nil {
		return
	}
	m.actionsFailedTotal.WithLabelValues(normalizeLabel(action)).Inc()
}

func (m *Metrics) IncTeardownFailed() {
	if m == nil {
		return
	}
	m.teardownFailuresTotal.Inc()
}

func (m *Metrics) IncBarrierInFlight(strategy string) {
	if m == nil {
		return
	}
	m.barrierInflight.WithLabelValues(normalizeLabel(strategy)).Inc()
}

func (m *Metrics) DecBarrierInFlight(strategy string) {
	if m == nil {
		return
	}
	m.barrierInflight.WithLabelValues(normalizeLabel(strategy)).Dec()
}

func (m *Metrics) IncRolloutFinished(status string) {
	if m == nil {
		return
	}
	m.rolloutsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
