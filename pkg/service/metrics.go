package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgostovic/platform/pkg/message"
)

var (
	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by handler and outcome",
		},
		[]string{"domain", "handler", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "platform",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from receipt to the last reply value",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"domain", "handler"},
	)
)

func init() {
	prometheus.MustRegister(dispatchRequests, dispatchDuration)
}

// outcome labels a dispatch result: ok, anomaly or error.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case message.IsAnomaly(err):
		return "anomaly"
	default:
		return "error"
	}
}

func observe(domain, handler string, start time.Time, err error) {
	dispatchRequests.WithLabelValues(domain, handler, outcome(err)).Inc()
	dispatchDuration.WithLabelValues(domain, handler).Observe(time.Since(start).Seconds())
}
