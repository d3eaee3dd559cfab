// Package metrics holds the Prometheus collectors shared by the delivery
// pipeline. Collectors are registered on the Registerer handed to New so
// tests can use a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatspot"

type Metrics struct {
	RelayPublished       *prometheus.CounterVec
	RelayPublishFailures *prometheus.CounterVec
	HandlerRetries       *prometheus.CounterVec
	HandlerFailures      *prometheus.CounterVec
	BroadcastEnqueued    prometheus.Counter
	BroadcastDropped     prometheus.Counter
	BroadcastFailures    prometheus.Counter
	BroadcastQueueDepth  prometheus.Gauge
	WebsocketClients     prometheus.Gauge
	RateLimited          prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_published_total",
			Help:      "Events published on the relay.",
		}, []string{"topic"}),
		RelayPublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publish_failures_total",
			Help:      "Events that could not be published after the mutation was committed.",
		}, []string{"topic"}),
		HandlerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_handler_retries_total",
			Help:      "Handler invocations retried after a transient failure.",
		}, []string{"topic"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_handler_failures_total",
			Help:      "Events skipped after the handler gave up.",
		}, []string{"topic"}),
		BroadcastEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_enqueued_total",
			Help:      "Frames accepted by the broadcast queue.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Frames dropped because the broadcast queue was full.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Frames the realtime publisher rejected.",
		}),
		BroadcastQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_queue_depth",
			Help:      "Frames waiting in the broadcast queue.",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients on this instance.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
	reg.MustRegister(
		m.RelayPublished,
		m.RelayPublishFailures,
		m.HandlerRetries,
		m.HandlerFailures,
		m.BroadcastEnqueued,
		m.BroadcastDropped,
		m.BroadcastFailures,
		m.BroadcastQueueDepth,
		m.WebsocketClients,
		m.RateLimited,
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
