package calls

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts session outcomes.
type Metrics struct {
	started        prometheus.Counter
	resolved       *prometheus.CounterVec
	ended          *prometheus.CounterVec
	stagingFailed  prometheus.Counter
	classifyFailed prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callguard", Subsystem: "calls", Name: "sessions_started_total",
			Help: "Incoming call sessions started.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callguard", Subsystem: "calls", Name: "sessions_resolved_total",
			Help: "Sessions resolved to a verdict.",
		}, []string{"verdict"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callguard", Subsystem: "calls", Name: "sessions_ended_total",
			Help: "Sessions ended, by reason.",
		}, []string{"reason"}),
		stagingFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callguard", Subsystem: "calls", Name: "staging_failures_total",
			Help: "Audio staging failures.",
		}),
		classifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callguard", Subsystem: "calls", Name: "classification_failures_total",
			Help: "Classifier call failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.resolved, m.ended, m.stagingFailed, m.classifyFailed)
	}
	return m
}
