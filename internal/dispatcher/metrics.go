package dispatcher

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supervisor_queued_requests",
			Help: "Requests waiting for an execution slot, by resource class.",
		},
		[]string{"resource_class"},
	)

	inFlightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supervisor_inflight_requests",
			Help: "Requests holding an execution slot, by resource class.",
		},
		[]string{"resource_class"},
	)

	dispatchedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_dispatched_requests_total",
			Help: "Requests sent to agents, by resource class and operation.",
		},
		[]string{"resource_class", "op"},
	)

	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_protocol_violations_total",
			Help: "Agent messages rejected as protocol violations.",
		},
	)
)

func init() {
	prometheus.MustRegister(queuedRequests)
	prometheus.MustRegister(inFlightRequests)
	prometheus.MustRegister(dispatchedRequests)
	prometheus.MustRegister(protocolViolations)
}
