package relayd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the relay's Prometheus surface.
type Metrics struct {
	framesForwarded  prometheus.Counter
	noConnStored     prometheus.Counter
	garbled          prometheus.Counter
	denials          *prometheus.CounterVec
	roomsActive      prometheus.Gauge
	devicesConnected prometheus.Gauge
}

// NewMetrics builds and registers the collectors on reg. A nil reg uses a
// private registry, which keeps repeated construction in tests legal.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayd_frames_forwarded_total",
			Help: "Game-message frames switched between devices.",
		}),
		noConnStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayd_noconn_stored_total",
			Help: "Store-and-forward messages accepted while the addressee was away.",
		}),
		garbled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayd_garbled_frames_total",
			Help: "Frames dropped as undecodable or out of conversation.",
		}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_denials_total",
			Help: "Connect attempts denied, by reason.",
		}, []string{"reason"}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_rooms_active",
			Help: "Rooms with at least one device present.",
		}),
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_devices_connected",
			Help: "Devices currently in the relay conversation.",
		}),
	}
	reg.MustRegister(m.framesForwarded, m.noConnStored, m.garbled, m.denials,
		m.roomsActive, m.devicesConnected)
	return m
}
