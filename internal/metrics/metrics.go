// Package metrics declares the server's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_connected_sessions",
		Help: "Number of currently live sessions",
	}, []string{"transport"})

	ActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_users",
		Help: "Number of authenticated usernames",
	})

	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms",
		Help: "Number of rooms with at least one member",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Protocol messages by direction and type",
	}, []string{"direction", "type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to handle each inbound message type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	Retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_retransmissions_total",
		Help: "Datagrams sent again after an acknowledgement timeout",
	})

	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_failures_total",
		Help: "Datagrams never confirmed within the retry budget",
	})

	DuplicateDatagrams = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_duplicate_datagrams_total",
		Help: "Inbound datagrams dropped as already processed",
	})

	DroppedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_deliveries_total",
		Help: "Outbound messages dropped because a session outbox was full or closed",
	})

	ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_protocol_violations_total",
		Help: "Sessions ended by a malformed or out-of-state message",
	}, []string{"transport"})
)

func init() {
	prometheus.MustRegister(ConnectedSessions)
	prometheus.MustRegister(ActiveUsers)
	prometheus.MustRegister(Rooms)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(Retransmissions)
	prometheus.MustRegister(DeliveryFailures)
	prometheus.MustRegister(DuplicateDatagrams)
	prometheus.MustRegister(DroppedDeliveries)
	prometheus.MustRegister(ProtocolViolations)
}
