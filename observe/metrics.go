// Package observe exposes Prometheus metrics and optional trace export
// for the daemon.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Invocations counts controller invocations by trigger and outcome.
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "controller_invocations_total",
		Help:      "Lifecycle controller invocations by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	// FailsafeStops counts machines stopped by the fail-safe net.
	FailsafeStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "failsafe_stops_total",
		Help:      "Stops issued because the fail-safe threshold was crossed.",
	})

	// ScheduledCommands counts scheduler firings by action and result.
	ScheduledCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "scheduled_commands_total",
		Help:      "Start/stop commands issued by the scheduler.",
	}, []string{"action", "result"})
)
