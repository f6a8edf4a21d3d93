package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_cache_checks_total",
			Help: "Run requests checked against the ledger, by result (hit, miss, stale).",
		},
		[]string{"result"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_job_status_transitions_total",
			Help: "Job status transitions recorded by the ledger.",
		},
		[]string{"status"},
	)

	jobRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_job_records",
			Help: "Job records held in memory.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheChecks)
	prometheus.MustRegister(statusTransitions)
	prometheus.MustRegister(jobRecords)
}
