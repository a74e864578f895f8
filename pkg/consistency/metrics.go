package consistency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "consistency",
		Name:      "checks_total",
		Help:      "Consistency checks by outcome",
	}, []string{"outcome"})

	// findingsTotal counts discrepancies by the system that disagreed.
	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "consistency",
		Name:      "findings_total",
		Help:      "Consistency discrepancies by downstream system",
	}, []string{"system"})
)
