package correlator

import "github.com/prometheus/client_golang/prometheus"

var (
	opsOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_ops_outstanding",
			Help: "Operations sent to agents and not yet collected.",
		},
	)

	opTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_op_timeouts_total",
			Help: "Operations whose reply did not arrive in time.",
		},
		[]string{"kind"},
	)

	lateReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_late_replies_total",
			Help: "Replies discarded because their operation was already retired.",
		},
	)

	opRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supervisor_op_round_trip_seconds",
			Help:    "Time from sending an operation to receiving its reply.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(opsOutstanding)
	prometheus.MustRegister(opTimeouts)
	prometheus.MustRegister(lateReplies)
	prometheus.MustRegister(opRoundTrip)
}
