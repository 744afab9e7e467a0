package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instruments for the hub.
type metrics struct {
	activeSockets    prometheus.Gauge
	socketsTotal     prometheus.Counter
	broadcastsTotal  *prometheus.CounterVec
	broadcastDropped prometheus.Counter
	commandsTotal    *prometheus.CounterVec
}

// Metrics are registered once on the default registerer, shared by every
// hub in the process.
var (
	globalMetrics     *metrics
	globalMetricsOnce sync.Once
)

func hubMetrics() *metrics {
	globalMetricsOnce.Do(func() {
		factory := promauto.With(prometheus.DefaultRegisterer)

		globalMetrics = &metrics{
			activeSockets: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainview",
				Subsystem: "hub",
				Name:      "active_sockets",
				Help:      "Number of connected observer sockets",
			}),
			socketsTotal: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "chainview",
				Subsystem: "hub",
				Name:      "sockets_total",
				Help:      "Total sockets accepted since start",
			}),
			broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainview",
				Subsystem: "hub",
				Name:      "broadcasts_total",
				Help:      "Broadcast deliveries by wire event type",
			}, []string{"type"}),
			broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "chainview",
				Subsystem: "hub",
				Name:      "broadcast_dropped_total",
				Help:      "Broadcast frames dropped because a socket could not keep up",
			}),
			commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainview",
				Subsystem: "hub",
				Name:      "commands_total",
				Help:      "Commands handled by command name and status",
			}, []string{"command", "status"}),
		}
	})
	return globalMetrics
}
