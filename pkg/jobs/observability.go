package jobs

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "mailqueue"
	metricsSubsystem = "jobs"
	unknownLabel     = "unknown"
)

// Job collectors live on the default registry; the management /metrics
// endpoint gathers it next to the HTTP collectors.
var (
	enqueuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "enqueued_total",
		Help:      "Jobs pushed to the store, by backend and kind.",
	}, []string{"store", "kind"})

	processedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "processed_total",
		Help:      "Finished job attempts, by outcome: success, retry, dead_lettered or lost.",
	}, []string{"kind", "status"})

	retryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "retry_total",
		Help:      "Failed attempts scheduled for another try.",
	}, []string{"kind"})

	deadLetterCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "dead_lettered_total",
		Help:      "Jobs that exhausted their attempts, including expired leases.",
	}, []string{"kind"})

	inFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "inflight",
		Help:      "Attempts currently executing.",
	}, []string{"kind"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "attempt_duration_seconds",
		Help:      "Handler execution time per attempt.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})
)

func recordJobEnqueued(store, kind string) {
	enqueuedCounter.WithLabelValues(metricLabel(store), metricLabel(kind)).Inc()
}

func recordJobProcessed(kind, status string) {
	processedCounter.WithLabelValues(metricLabel(kind), metricLabel(status)).Inc()
}

func recordJobRetry(kind string) {
	retryCounter.WithLabelValues(metricLabel(kind)).Inc()
}

func recordJobDeadLettered(kind string) {
	deadLetterCounter.WithLabelValues(metricLabel(kind)).Inc()
}

// trackAttempt counts an attempt as in flight until the returned func runs,
// which also records the attempt duration.
func trackAttempt(kind string) func() {
	label := metricLabel(kind)
	start := time.Now()
	inFlightGauge.WithLabelValues(label).Inc()
	return func() {
		inFlightGauge.WithLabelValues(label).Dec()
		attemptDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
}

func metricLabel(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return unknownLabel
}
