package commands

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "commands",
		Name:      "total",
		Help:      "Commands executed by name and outcome",
	}, []string{"command", "outcome"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "publishing_api",
		Subsystem: "commands",
		Name:      "duration_seconds",
		Help:      "Command transaction duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	// scheduleFailuresTotal counts propagation tasks that could not be
	// enqueued after their command committed.
	scheduleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "publishing_api",
		Subsystem: "commands",
		Name:      "schedule_failures_total",
		Help:      "Propagation tasks that failed to enqueue after commit",
	}, []string{"kind"})
)
