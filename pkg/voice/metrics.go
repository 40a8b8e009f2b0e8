package voice

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/theman/pkg/metrics"
)

const metricSubsystem = "voice"

var (
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "packets_forwarded_total",
			Help:      "Inbound voice packets delivered to the application",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "packets_dropped_total",
			Help:      "Inbound voice packets dropped by the mesh",
		},
		[]string{"reason"},
	)
	packetsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "packets_sent_total",
			Help:      "Outbound voice packets queued to peers",
		},
	)
	queueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "queue_drops_total",
			Help:      "Outbound voice packets dropped because a peer queue was full",
		},
	)
	handlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "handler_failures_total",
			Help:      "Voice connection handlers that stopped on a fatal error",
		},
	)
	staleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricSubsystem,
			Name:      "stale_events_total",
			Help:      "Handler events ignored because their handler is no longer attached",
		},
	)
)

const (
	dropNotJoined   = "not_joined"
	dropNotAccepted = "not_accepted"
)

// RegisterMetrics registers the voice collectors with reg
func RegisterMetrics(reg prometheus.Registerer) {
	metrics.RegisterCollectors(reg,
		packetsForwarded,
		packetsDropped,
		packetsSent,
		queueDrops,
		handlerFailures,
		staleEvents,
	)
}
