package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	pushedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "push_accepted_total",
		Help:      "Activity records accepted by the central store.",
	})

	rejectedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "push_rejected_total",
		Help:      "Activity records rejected by the central store.",
	})

	identityConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "identity_conflicts_total",
		Help:      "Reconciliations refused because a record already had a different canonical id.",
	})

	pulledRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "pull_rows_total",
		Help:      "Reference rows applied from the central store, by category.",
	}, []string{"category"})

	cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of pull and push cycles.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})

	cycleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "failures_total",
		Help:      "Failed sync cycles by phase.",
	}, []string{"phase"})

	backoffSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "backoff_seconds",
		Help:      "Current retry delay after consecutive failures, by phase.",
	}, []string{"phase"})

	pendingRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "sync",
		Name:      "pending_records",
		Help:      "Activity records not yet accepted by the central store.",
	})
)

func init() {
	prometheus.MustRegister(
		pushedRecords,
		rejectedRecords,
		identityConflicts,
		pulledRows,
		cycleDuration,
		cycleFailures,
		backoffSeconds,
		pendingRecords,
	)
}
