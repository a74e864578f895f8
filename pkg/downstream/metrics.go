package downstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// propagationsTotal counts downstream store calls by store, action and outcome.
	propagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "downstream",
		Name:      "propagations_total",
		Help:      "Downstream content store calls by store, action and outcome",
	}, []string{"store", "action", "outcome"})

	// dependencyFanout tracks how many dependents one change re-propagates to.
	dependencyFanout = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "publishing_api",
		Subsystem: "downstream",
		Name:      "dependency_fanout",
		Help:      "Number of dependent content ids re-propagated per change",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 500},
	}, []string{"store"})

	// busEventsTotal counts message bus sends by outcome.
	busEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "downstream",
		Name:      "bus_events_total",
		Help:      "Message bus events by outcome",
	}, []string{"outcome"})

	// basePathConflictsTotal counts discard-draft deletes skipped because
	// another document holds the path.
	basePathConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "downstream",
		Name:      "base_path_conflicts_total",
		Help:      "Discard-draft deletes skipped because the path is owned by other content",
	})
)
