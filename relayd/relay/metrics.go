package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports relay activity. Pass a nil registerer for unregistered
// metrics, e.g. in tests.
type Metrics struct {
	ActiveConnections     prometheus.Gauge
	Rooms                 prometheus.Gauge
	Broadcasts            prometheus.Counter
	DroppedSends          prometheus.Counter
	HeartbeatTerminations prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Connections currently joined to a room.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "open_rooms",
			Help:      "Rooms with at least one member.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Payloads fanned out to room members.",
		}),
		DroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "dropped_sends_total",
			Help:      "Per-peer deliveries that failed and were dropped.",
		}),
		HeartbeatTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "heartbeat_terminations_total",
			Help:      "Connections terminated for missing a heartbeat probe.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.ActiveConnections,
			m.Rooms,
			m.Broadcasts,
			m.DroppedSends,
			m.HeartbeatTerminations,
		)
	}
	return m
}
