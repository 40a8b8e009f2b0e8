// Package metrics holds the Prometheus plumbing shared by the node packages.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the node exports
const Namespace = "theman"

// RegisterCollectors registers collectors with reg, ignoring collectors that
// are already registered. Any other registration error panics.
func RegisterCollectors(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}
