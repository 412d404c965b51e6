package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections is the number of live transport connections
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Live relay connections.",
	})

	// Rooms is the number of non-empty event rooms
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Event rooms with at least one member.",
	})

	MessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_in_total",
		Help: "Inbound frames by message type.",
	}, []string{"type"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Frames queued for a recipient, by message type.",
	}, []string{"type"})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_delivery_failures_total",
		Help: "Frames dropped because the recipient queue was full or closed.",
	}, []string{"type"})

	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejections_total",
		Help: "Inbound frames rejected, by reason.",
	}, []string{"reason"})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_evictions_total",
		Help: "Connections removed, by reason.",
	}, []string{"reason"})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
