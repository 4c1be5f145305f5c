package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobdeck/jobdeck/pkg/promutil"
)

type metrics struct {
	stateTransitions *prometheus.CounterVec
	claimsGranted    prometheus.Counter
	leasesExpired    prometheus.Counter
	casConflicts     prometheus.Counter
	queueDepth       *prometheus.GaugeVec
}

func newMetrics(factory *promutil.Factory) *metrics {
	return &metrics{
		stateTransitions: factory.NewCounterVec(
			"submission_state_transitions_total",
			"Count of submission state transitions by target state.",
			[]string{"to"}),
		claimsGranted: factory.NewCounter(
			"claims_granted_total",
			"Count of successfully granted claims."),
		leasesExpired: factory.NewCounter(
			"leases_expired_total",
			"Count of claim leases that expired without a terminal report."),
		casConflicts: factory.NewCounter(
			"cas_conflicts_total",
			"Count of conditional updates lost to a concurrent writer."),
		queueDepth: factory.NewGaugeVec(
			"dispatch_queue_depth",
			"Submissions eligible for claim per site.",
			[]string{"site"}),
	}
}
