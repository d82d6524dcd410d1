package api

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. Registered on its
// own registry rather than prometheus.DefaultRegisterer so multiple
// Servers (as in tests) never collide on a shared global.
type Metrics struct {
	registry *prometheus.Registry

	wsClients             prometheus.Gauge
	positionUpdatesTotal  prometheus.Counter
	signalsTotal          prometheus.Counter
	windowsSettledTotal   prometheus.Counter
	breakerHaltsTotal     prometheus.Counter
}

// NewMetrics builds and registers the engine's metric collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windowtrader",
			Subsystem: "api",
			Name:      "websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		}),
		positionUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowtrader",
			Subsystem: "api",
			Name:      "position_updates_total",
			Help:      "Number of position updates broadcast to subscribers.",
		}),
		signalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowtrader",
			Subsystem: "api",
			Name:      "signals_total",
			Help:      "Number of entry signals broadcast to subscribers.",
		}),
		windowsSettledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowtrader",
			Subsystem: "api",
			Name:      "windows_settled_total",
			Help:      "Number of window settlements broadcast to subscribers.",
		}),
		breakerHaltsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowtrader",
			Subsystem: "api",
			Name:      "breaker_halts_total",
			Help:      "Number of times the circuit breaker has tripped.",
		}),
	}

	reg.MustRegister(
		m.wsClients,
		m.positionUpdatesTotal,
		m.signalsTotal,
		m.windowsSettledTotal,
		m.breakerHaltsTotal,
	)
	return m
}

// Registry exposes the underlying registry for mounting a /metrics
// handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
