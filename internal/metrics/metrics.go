package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	LedgerMutations    *prometheus.CounterVec
	LedgerCASRetries   *prometheus.CounterVec
	MatchGrants        *prometheus.CounterVec
	MatchConsumptions  *prometheus.CounterVec
	MatchesExpired     prometheus.Counter
	MaintenanceRuns    *prometheus.CounterVec
	MaintenanceLatency *prometheus.HistogramVec
}

// New builds the collectors with an optional namespace and registers them
// on reg. A nil reg leaves them unregistered, which is what tests want.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Balance mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		LedgerCASRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_cas_retries_total",
			Help:      "Compare-and-set misses that triggered a retry.",
		}, []string{"op"}),
		MatchGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_grants_total",
			Help:      "Match grants by type and outcome.",
		}, []string{"type", "outcome"}),
		MatchConsumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_consumptions_total",
			Help:      "Match consumption attempts by outcome.",
		}, []string{"outcome"}),
		MatchesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_expired_total",
			Help:      "Match records moved to expired by the sweeper.",
		}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job and overall status.",
		}, []string{"job", "status"}),
		MaintenanceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_task_duration_seconds",
			Help:      "Latency distribution for maintenance sub-tasks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LedgerMutations,
			m.LedgerCASRetries,
			m.MatchGrants,
			m.MatchConsumptions,
			m.MatchesExpired,
			m.MaintenanceRuns,
			m.MaintenanceLatency,
		)
	}
	return m
}

// Nop returns unregistered collectors for callers that do not export metrics.
func Nop() *Metrics {
	return New("", nil)
}
