package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the Orchestrator records against,
// grounded on the teacher's MustNewMetrics(registry) constructor shape
// (labelled CounterVec/HistogramVec registered against a caller-supplied
// *prometheus.Registry rather than the global default).
type Metrics struct {
	admissions      *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
	executionsDone  *prometheus.CounterVec
	adapterCallSecs *prometheus.HistogramVec
}

// MustNewMetrics registers the Orchestrator's collectors against reg and
// panics on a registration conflict (mirrors the teacher's MustNew* idiom).
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forksd_orchestrator_admissions_total",
			Help: "Executions admitted into the registry, by kind.",
		}, []string{"kind"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forksd_orchestrator_admission_denied_total",
			Help: "Executions rejected at admission, by kind and reason.",
		}, []string{"kind", "reason"}),
		executionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forksd_orchestrator_executions_total",
			Help: "Completed executions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		adapterCallSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forksd_orchestrator_adapter_call_duration_seconds",
			Help:    "Adapter call latency, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(m.admissions, m.admissionDenied, m.executionsDone, m.adapterCallSecs)
	return m
}
