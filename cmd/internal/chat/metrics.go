package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway and pipeline metrics, registered on the default registry and
// exposed by the app on /metrics.
var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_ws_connections_active",
		Help: "Number of live websocket connections.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ws_events_total",
		Help: "Inbound websocket events by envelope type.",
	}, []string{"type"})

	fanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_chat_fanout_dropped_total",
		Help: "Outbound events dropped because a send queue was full.",
	})

	messagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_chat_messages_persisted_total",
		Help: "Messages accepted by the delivery pipeline and persisted.",
	})
)
