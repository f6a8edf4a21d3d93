package gateway

import "github.com/prometheus/client_golang/prometheus"

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "supervisor_gateway_requests_total",
		Help: "Front-end requests handled, by api and outcome.",
	},
	[]string{"api", "outcome"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}
