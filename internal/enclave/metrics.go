package enclave

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the service's prometheus instruments on a private registry
// so multiple service instances (tests included) never collide.
type metrics struct {
	registry          *prometheus.Registry
	invocations       *prometheus.CounterVec
	gasCharged        prometheus.Counter
	triggerDispatches *prometheus.CounterVec
	contextsActive    prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "invocations_total",
			Help:      "Script invocations by outcome.",
		}, []string{"status"}),
		gasCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "gas_charged_total",
			Help:      "Total gas settled across all invocations.",
		}),
		triggerDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "trigger_dispatches_total",
			Help:      "Trigger dispatches by trigger type.",
		}, []string{"type"}),
		contextsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "enclave",
			Name:      "contexts_active",
			Help:      "Live evaluator contexts in the pool.",
		}),
	}
	m.registry.MustRegister(m.invocations, m.gasCharged, m.triggerDispatches, m.contextsActive)
	return m
}

func (m *metrics) observeInvocation(status string, gasUsed uint64) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(status).Inc()
	m.gasCharged.Add(float64(gasUsed))
}

func (m *metrics) observeDispatches(triggerType string, count int) {
	if m == nil {
		return
	}
	m.triggerDispatches.WithLabelValues(triggerType).Add(float64(count))
}

func (m *metrics) setContexts(n int) {
	if m == nil {
		return
	}
	m.contextsActive.Set(float64(n))
}
