package naming

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/theman/pkg/metrics"
)

var registrations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "naming",
		Name:      "registrations_total",
		Help:      "Name registration attempts by outcome",
	},
	[]string{"outcome"},
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// RegisterMetrics registers the naming collectors with reg
func RegisterMetrics(reg prometheus.Registerer) {
	metrics.RegisterCollectors(reg, registrations)
}
