package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/theman/pkg/metrics"
)

const metricSubsystem = "node"

var (
	busDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "bus_drops_total",
			Help:      "Application messages dropped because the bus was full",
		},
		[]string{"message"},
	)
	bootstrapRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "bootstrap_runs_total",
			Help:      "Completed bootstrap queries by outcome",
		},
		[]string{"outcome"},
	)
	peersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "connected_peers",
			Help:      "Peers with at least one open connection",
		},
	)
	eventBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "event_backlog",
			Help:      "Host events queued for the reactor",
		},
	)
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// RegisterMetrics registers the node collectors with reg
func RegisterMetrics(reg prometheus.Registerer) {
	metrics.RegisterCollectors(reg,
		busDrops,
		bootstrapRuns,
		peersGauge,
		eventBacklog,
	)
}
