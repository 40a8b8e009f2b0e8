package audio

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/theman/pkg/metrics"
)

const metricSubsystem = "audio"

var (
	samplesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: metricSubsystem,
		Name:      "samples_decoded_total",
		Help:      "Samples decoded from inbound voice",
	})
	outputRecreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: metricSubsystem,
		Name:      "outputs_recreated_total",
		Help:      "Outputs destroyed and reopened after a write error",
	})
	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: metricSubsystem,
		Name:      "frames_dropped_total",
		Help:      "Decoded frames dropped because the consumer was slow",
	})
)

// RegisterMetrics registers the audio collectors with reg
func RegisterMetrics(reg prometheus.Registerer) {
	metrics.RegisterCollectors(reg, samplesDecoded, outputRecreated, framesDropped)
}
