// Package metrics exposes Prometheus collectors for the harvester processes.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	busSendsTotal              *prometheus.CounterVec
	busListenerOpsTotal        *prometheus.CounterVec
	busReconnectsTotal         *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	controllerState            *prometheus.GaugeVec
	uploadsTotal               *prometheus.CounterVec
	sweepRecoveredTotal        prometheus.Counter
	repliesTotal               *prometheus.CounterVec
	alertsSuppressedTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Controller states reported by SetControllerState.
var controllerStates = []string{"awaiting_channel_validation", "idle", "running", "shutdown"}

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		busSendsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_bus_sends_total",
				Help: "Total number of bus sends, labeled by result.",
			},
			[]string{"result"},
		)

		busListenerOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_bus_listener_operations_total",
				Help: "Total number of listener registrations and removals, labeled by operation and result.",
			},
			[]string{"operation", "result"},
		)

		busReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_bus_reconnects_total",
				Help: "Total number of broker reconnects, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of crawl status messages sent, labeled by status.",
			},
			[]string{"status"},
		)

		controllerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_controller_state",
				Help: "1 for the controller's current state, 0 otherwise.",
			},
			[]string{"state"},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_uploads_total",
				Help: "Total number of archive file uploads, labeled by result.",
			},
			[]string{"result"},
		)

		sweepRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_sweep_recovered_total",
				Help: "Total number of interrupted crawl directories recovered by the sweep.",
			},
		)

		repliesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_request_replies_total",
				Help: "Total number of request/reply outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		alertsSuppressedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_alerts_suppressed_total",
				Help: "Total number of operator alerts dropped by the throttle, labeled by level.",
			},
			[]string{"level"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveSend records the outcome of a bus send.
func ObserveSend(err error) {
	Init()
	busSendsTotal.WithLabelValues(result(err)).Inc()
}

// ObserveListenerOp records the outcome of a listener add or remove.
func ObserveListenerOp(operation string, err error) {
	Init()
	busListenerOpsTotal.WithLabelValues(operation, result(err)).Inc()
}

// ObserveReconnect records the outcome of a reconnect attempt.
func ObserveReconnect(err error) {
	Init()
	busReconnectsTotal.WithLabelValues(result(err)).Inc()
}

// ObserveJobStatus counts a crawl status message.
func ObserveJobStatus(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// SetControllerState marks state as the current controller state.
func SetControllerState(state string) {
	Init()
	for _, s := range controllerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		controllerState.WithLabelValues(s).Set(v)
	}
}

// ObserveUpload records the outcome of one archive upload.
func ObserveUpload(err error) {
	Init()
	uploadsTotal.WithLabelValues(result(err)).Inc()
}

// IncSweepRecovered counts one recovered crawl directory.
func IncSweepRecovered() {
	Init()
	sweepRecoveredTotal.Inc()
}

// ObserveReply records a request/reply outcome: replied, timeout, dropped.
func ObserveReply(outcome string) {
	Init()
	repliesTotal.WithLabelValues(outcome).Inc()
}

// IncAlertSuppressed counts one throttled alert.
func IncAlertSuppressed(level string) {
	Init()
	alertsSuppressedTotal.WithLabelValues(level).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
