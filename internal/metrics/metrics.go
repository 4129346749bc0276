package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BrokerPeers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pubsub_broker_peers",
			Help: "Connected broker peers by role",
		},
		[]string{"role"},
	)
	BrokerTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_broker_topics",
			Help: "Topics with at least one subscriber",
		},
	)
	BrokerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_broker_messages_total",
			Help: "Broadcast fan-out attempts by result",
		},
		[]string{"result"},
	)
	ClientReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_client_reconnects_total",
			Help: "Broker client reconnect attempts",
		},
		[]string{"role"},
	)
	ClientDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_client_dropped_total",
			Help: "Messages dropped by broker clients",
		},
		[]string{"role", "reason"},
	)
	Dispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_events_total",
			Help: "Domain events published by the dispatcher",
		},
		[]string{"topic", "result"},
	)
	GatewaySessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Gateway sessions by state",
		},
		[]string{"state"},
	)
	GatewayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_frames_total",
			Help: "DISPATCH frames enqueued to sessions",
		},
		[]string{"event"},
	)
	GatewayDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_drops_total",
			Help: "Envelopes dropped for a session",
		},
		[]string{"reason"},
	)
	GatewayCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_close_codes_total",
			Help: "Close codes sent to gateway clients",
		},
		[]string{"code"},
	)
	RemoteAuthSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remote_auth_pending_sessions",
			Help: "Remote-auth sockets waiting for pairing",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
