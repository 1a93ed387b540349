package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolengine"

type moduleMetrics struct {
	executionTotal    *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionErrors   *prometheus.CounterVec
	retryTotal        *prometheus.CounterVec
	activeExecutions  prometheus.Gauge

	laneRunning       *prometheus.GaugeVec
	laneWaiting       *prometheus.GaugeVec
	admissionRejected *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec

	backendBytes     *prometheus.CounterVec
	backendConnected *prometheus.GaugeVec
	catalogTools     prometheus.Gauge
	catalogReloads   *prometheus.CounterVec
	prunedExecutions prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			executionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "executions_total",
					Help:      "Terminal tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			executionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			executionErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "execution_errors_total",
					Help:      "Failed tool executions by tool and error kind.",
				},
				[]string{"tool", "kind"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retries_total",
					Help:      "Retried backend attempts by tool.",
				},
				[]string{"tool"},
			),
			activeExecutions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_executions",
					Help:      "Executions currently pending or running.",
				},
			),
			laneRunning: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_running",
					Help:      "Running executions by tool lane.",
				},
				[]string{"tool"},
			),
			laneWaiting: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_waiting",
					Help:      "Queued executions by tool lane.",
				},
				[]string{"tool"},
			),
			admissionRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "admission_rejected_total",
					Help:      "Executions rejected before dispatch by tool and reason.",
				},
				[]string{"tool", "reason"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "backend_breaker_state",
					Help:      "Circuit breaker state by backend (0 closed, 1 half-open, 2 open).",
				},
				[]string{"backend"},
			),
			backendBytes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "backend_bytes_total",
					Help:      "Bytes moved by backends by tool and direction.",
				},
				[]string{"tool", "direction"},
			),
			backendConnected: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "backend_connected",
					Help:      "Connection state of stateful backends (1 connected, 0 disconnected).",
				},
				[]string{"backend"},
			),
			catalogTools: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "catalog_tools",
					Help:      "Tools currently loaded in the catalog.",
				},
			),
			catalogReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "catalog_reloads_total",
					Help:      "Catalog reloads by status.",
				},
				[]string{"status"},
			),
			prunedExecutions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pruned_executions_total",
					Help:      "Terminal execution records removed by the janitor.",
				},
			),
		}

		prometheus.MustRegister(
			m.executionTotal,
			m.executionDuration,
			m.executionErrors,
			m.retryTotal,
			m.activeExecutions,
			m.laneRunning,
			m.laneWaiting,
			m.admissionRejected,
			m.breakerState,
			m.backendBytes,
			m.backendConnected,
			m.catalogTools,
			m.catalogReloads,
			m.prunedExecutions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordToolExecution records one terminal execution. kind is empty on success.
func RecordToolExecution(tool, status, kind string, duration time.Duration, retries int) {
	m := getMetrics()
	m.executionTotal.WithLabelValues(tool, status).Inc()
	m.executionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if kind != "" {
		m.executionErrors.WithLabelValues(tool, kind).Inc()
	}
	if retries > 0 {
		m.retryTotal.WithLabelValues(tool).Add(float64(retries))
	}
}

func SetActiveExecutions(count int) {
	m := getMetrics()
	m.activeExecutions.Set(float64(count))
}

func SetToolLane(tool string, running, waiting int) {
	m := getMetrics()
	m.laneRunning.WithLabelValues(tool).Set(float64(running))
	m.laneWaiting.WithLabelValues(tool).Set(float64(waiting))
}

func RecordAdmissionRejected(tool, reason string) {
	m := getMetrics()
	m.admissionRejected.WithLabelValues(tool, reason).Inc()
}

func SetBreakerState(backend string, state int) {
	m := getMetrics()
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}

func RecordBackendBytes(tool, direction string, n int64) {
	if n <= 0 {
		return
	}
	m := getMetrics()
	m.backendBytes.WithLabelValues(tool, direction).Add(float64(n))
}

func SetBackendConnected(backend string, connected bool) {
	m := getMetrics()
	value := 0.0
	if connected {
		value = 1.0
	}
	m.backendConnected.WithLabelValues(backend).Set(value)
}

func RecordCatalogReload(tools int, err error) {
	m := getMetrics()
	if err != nil {
		m.catalogReloads.WithLabelValues("error").Inc()
		return
	}
	m.catalogReloads.WithLabelValues("success").Inc()
	m.catalogTools.Set(float64(tools))
}

func RecordPrunedExecutions(n int) {
	m := getMetrics()
	m.prunedExecutions.Add(float64(n))
}
