package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgrelay_ws_sessions",
		Help: "Live websocket sessions",
	})

	Declares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgrelay_declares_total",
		Help: "Identity declarations accepted",
	}, []string{"kind"})

	MalformedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgrelay_malformed_events_total",
		Help: "Events dropped because of missing or invalid addressing fields",
	}, []string{"event"})

	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgrelay_messages_persisted_total",
		Help: "Messages durably stored, by sender kind",
	}, []string{"from"})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgrelay_persist_failures_total",
		Help: "Send requests failed by the message store",
	})

	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgrelay_deliveries_total",
		Help: "Frames enqueued to live connections",
	})

	DeliveryDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgrelay_delivery_drops_total",
		Help: "Frames dropped because a connection was closing or its buffer was full",
	})

	RoutingMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgrelay_routing_misses_total",
		Help: "Routes to rooms with no live member",
	})

	AggregateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgrelay_aggregate_failures_total",
		Help: "Failed message counter refreshes after a send",
	})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgrelay_store_latency_seconds",
		Help:    "Message store call latency",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"op"})
)
