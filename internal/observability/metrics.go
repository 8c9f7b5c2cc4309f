package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roundctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger state-machine operations by outcome.",
		},
		[]string{"op", "success"},
	)
	ledgerEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "events_total",
			Help:      "Events ever appended to the ledger.",
		},
	)
	syncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Ledger events handled by the synchronizer.",
		},
		[]string{"kind", "result"},
	)
	syncTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "ticks_total",
			Help:      "Synchronizer ticks by outcome.",
		},
		[]string{"result"},
	)
	syncCheckpoint = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "checkpoint",
			Help:      "Last persisted ledger offset.",
		},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actuator",
			Name:      "dispatch_total",
			Help:      "Task dispatches by task type and outcome.",
		},
		[]string{"type", "success"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actuator",
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch duration from resolve to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"type", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			ledgerOps, ledgerEvents,
			syncEvents, syncTicks, syncCheckpoint,
			dispatches, dispatchDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordLedgerOp(op string, success bool, totalEvents uint64) {
	RegisterMetrics()
	ledgerOps.WithLabelValues(op, strconv.FormatBool(success)).Inc()
	ledgerEvents.Set(float64(totalEvents))
}

// RecordSyncEvent result is one of "applied", "skipped".
func RecordSyncEvent(kind, result string) {
	RegisterMetrics()
	syncEvents.WithLabelValues(kind, result).Inc()
}

func RecordSyncTick(result string, checkpoint uint64) {
	RegisterMetrics()
	syncTicks.WithLabelValues(result).Inc()
	syncCheckpoint.Set(float64(checkpoint))
}

func RecordDispatch(taskType string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	dispatches.WithLabelValues(taskType, successLabel).Inc()
	dispatchDuration.WithLabelValues(taskType, successLabel).Observe(duration.Seconds())
}
