// Package metrics exposes the pool/connection Prometheus gauges and
// counters consumed by internal/meconn's pool and health monitor,
// following the metric-naming convention (`subsystem_name_unit`) used
// across the retrieved pack's Prometheus integrations.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PoolSize reports the current number of live writers in the pool.
	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meproxy",
		Subsystem: "pool",
		Name:      "size",
		Help:      "Number of live middle-proxy writer connections.",
	})

	// ReconnectAttemptsTotal counts health-monitor reconnect attempts,
	// labeled by outcome ("success"/"failure").
	ReconnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meproxy",
		Subsystem: "pool",
		Name:      "reconnect_attempts_total",
		Help:      "Health-monitor reconnect attempts by outcome.",
	}, []string{"outcome"})

	// RegisteredConns reports the number of logical connections presently
	// registered in the connection registry.
	RegisteredConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meproxy",
		Subsystem: "registry",
		Name:      "registered_connections",
		Help:      "Number of logical connections currently registered.",
	})

	// FramesDroppedTotal counts frames the reader's dispatch drops for a
	// too-short payload or an unknown opcode, labeled by reason. A CRC
	// mismatch is not counted here: it ends the reader loop instead.
	FramesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meproxy",
		Subsystem: "reader",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped by the reader loop, labeled by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(PoolSize, ReconnectAttemptsTotal, RegisteredConns, FramesDroppedTotal)
}
