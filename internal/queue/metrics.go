package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the single-writer queue.",
	})

	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "queue_wait_seconds",
		Help:      "Time a write job waited in the mailbox before running.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "write_duration_seconds",
		Help:      "Time spent running a write job, labeled by job name.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"job"})

	rejectedJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "queue_rejected_total",
		Help:      "Write jobs refused because the mailbox was full or the caller gave up.",
	})
)

func init() {
	prometheus.MustRegister(queueDepth, queueWait, jobDuration, rejectedJobs)
}
