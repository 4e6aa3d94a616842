package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgostovic/platform/pkg/message"
)

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "platform_gateway_connections",
		Help: "Open external connections.",
	})

	forwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_gateway_requests_total",
			Help: "Requests forwarded from external connections, by outcome.",
		},
		[]string{"outcome"},
	)

	droppedNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "platform_gateway_dropped_notifications_total",
		Help: "Notifications dropped because an external connection fell behind.",
	})
)

func init() {
	prometheus.MustRegister(openConnections, forwarded, droppedNotifications)
}

func outcome(err error) string {
	switch {
	case message.IsAnomaly(err):
		return "anomaly"
	case message.IsCode(err, message.CodeTimeout):
		return "timeout"
	default:
		return "error"
	}
}
