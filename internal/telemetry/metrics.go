package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for contract calls.
type Metrics struct {
	callDuration *prometheus.HistogramVec
	callsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the call metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fuse_contract_call_duration_seconds",
			Help:    "Latency of eth_call requests, labeled by contract and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"contract", "method"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuse_contract_calls_total",
			Help: "Total eth_call requests, labeled by contract, method and result.",
		}, []string{"contract", "method", "result"}),
	}
	reg.MustRegister(m.callDuration, m.callsTotal)
	return m
}

func (m *Metrics) ObserveCall(contract, method string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.callDuration.WithLabelValues(contract, method).Observe(elapsed.Seconds())
	m.callsTotal.WithLabelValues(contract, method, result).Inc()
}

// WriteTextfile writes every metric gathered from g in the text exposition
// format, for pickup by a node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
