package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	relayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	relayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "connections",
		Help:      "Registered WebSocket sessions across all users.",
	})

	relayUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "users",
		Help:      "Users with at least one registered session.",
	})

	relayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "frames_total",
		Help:      "Inbound frames by routing result.",
	}, []string{"result"})

	relayDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "deliveries_total",
		Help:      "Outbound write attempts by outcome.",
	}, []string{"outcome"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(relayUpgradeLatency, relayConnections, relayUsers, relayFrames, relayDeliveries)
	})
}

// CountFrame records the routing result of one inbound frame. Routers call it
// so the counters live next to the rest of the relay metrics.
func CountFrame(result string) {
	relayFrames.WithLabelValues(result).Inc()
}

var tracer = otel.Tracer("github.com/gabrielenos/lancip/ws")
