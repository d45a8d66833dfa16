package gate

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "requests_total",
		Help:      "Gate requests by message type and result.",
	}, []string{"type", "result"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "request_duration_seconds",
		Help:      "Time to answer a gate request, by message type.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"type"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "sessions",
		Help:      "Connected gate sessions.",
	})

	notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "gate",
		Name:      "notifications_dropped_total",
		Help:      "Notifications that could not be delivered to a session.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, activeSessions, notificationsDropped)
}
